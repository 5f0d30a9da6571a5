package application

import "sync"

// Session 当前客户端登录的用户身份，由外部认证层写入
type Session struct {
	mu     sync.RWMutex
	userID string
}

func NewSession() *Session {
	return &Session{}
}

// SignIn 设置当前用户
func (s *Session) SignIn(userID string) {
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
}

// SignOut 清除当前用户
func (s *Session) SignOut() {
	s.mu.Lock()
	s.userID = ""
	s.mu.Unlock()
}

// CurrentUser 返回当前用户；未登录时第二个返回值为 false
func (s *Session) CurrentUser() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID, s.userID != ""
}
