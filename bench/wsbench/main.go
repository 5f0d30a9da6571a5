// wsbench 状态推送压测：建立大量 /v1/ws 订阅连接，由一个写入方交替修改状态，
// 统计从 PUT 发出到每个连接收到已确认变更的延迟。
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/schollz/progressbar/v3"
)

// Config 压测配置
type Config struct {
	Target        string        // agent 地址，如 http://localhost:8080
	User          string        // 写入方用户，非空时先调用 /v1/session 登录
	Conns         int           // 订阅连接数
	Ramp          time.Duration // 建连爬坡时间
	Writes        int           // 状态修改次数
	WriteInterval time.Duration // 两次修改间隔
	Settle        time.Duration // 最后一次修改后等待推送的时间
	Output        string        // text|json
}

// Stats 统计数据
type Stats struct {
	mu        sync.Mutex
	latencies []int64

	ConnOK      int64            `json:"conn_ok"`
	ConnFailed  int64            `json:"conn_failed"`
	WritesOK    int64            `json:"writes_ok"`
	WritesFail  int64            `json:"writes_failed"`
	Delivered   int64            `json:"delivered"`
	Unconfirmed int64            `json:"unconfirmed"` // 收到的乐观（未确认）变更
	Errors      map[string]int64 `json:"errors"`
}

func (s *Stats) addLatency(d time.Duration) {
	s.mu.Lock()
	s.latencies = append(s.latencies, int64(d))
	s.mu.Unlock()
}

func (s *Stats) snapshot() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.latencies...)
}

func (s *Stats) addError(kind string) {
	s.mu.Lock()
	s.Errors[kind]++
	s.mu.Unlock()
}

// LatencyStats 延迟统计（毫秒）
type LatencyStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Avg    float64 `json:"avg"`
	P50    float64 `json:"p50"`
	P90    float64 `json:"p90"`
	P99    float64 `json:"p99"`
	StdDev float64 `json:"std_dev"`
}

// pending 最近一次写入：目标状态和发出时间
type pending struct {
	status string
	sentAt time.Time
}

type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type statusChange struct {
	UserID string `json:"user_id"`
	New    struct {
		Status    string `json:"status"`
		Confirmed bool   `json:"confirmed"`
	} `json:"new"`
}

func main() {
	cfg := parseFlags()

	fmt.Println("=== wsbench - 状态推送压测 ===")
	fmt.Printf("目标: %s  连接数: %d  写入: %d 次/%s\n\n", cfg.Target, cfg.Conns, cfg.Writes, cfg.WriteInterval)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stats := &Stats{Errors: make(map[string]int64)}
	writer, err := signIn(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "登录失败: %v\n", err)
		os.Exit(1)
	}

	var last atomic.Pointer[pending]
	conns := connectAll(ctx, cfg, writer, &last, stats)
	if len(conns) == 0 {
		fmt.Println("没有成功建立的连接，退出")
		os.Exit(1)
	}

	runWrites(ctx, cfg, &last, stats)

	select {
	case <-time.After(cfg.Settle):
	case <-ctx.Done():
	}
	for _, c := range conns {
		c.Close()
	}

	result := struct {
		Config  Config       `json:"config"`
		Stats   *Stats       `json:"stats"`
		Latency LatencyStats `json:"echo_latency_ms"`
	}{cfg, stats, calculateLatencyStats(stats.snapshot())}

	if cfg.Output == "json" {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
		return
	}
	l := result.Latency
	fmt.Printf("\n连接: 成功 %d 失败 %d\n", stats.ConnOK, stats.ConnFailed)
	fmt.Printf("写入: 成功 %d 失败 %d\n", stats.WritesOK, stats.WritesFail)
	fmt.Printf("推送: 已确认 %d 乐观 %d\n", stats.Delivered, stats.Unconfirmed)
	fmt.Printf("回显延迟(ms): min %.2f avg %.2f p50 %.2f p90 %.2f p99 %.2f max %.2f\n",
		l.Min, l.Avg, l.P50, l.P90, l.P99, l.Max)
	for k, v := range stats.Errors {
		fmt.Printf("错误 %s: %d\n", k, v)
	}
}

func parseFlags() Config {
	cfg := Config{}
	flag.StringVar(&cfg.Target, "target", "http://localhost:8080", "status-agent 地址")
	flag.StringVar(&cfg.User, "user", "", "写入方用户ID，为空时使用 agent 已登录的用户")
	flag.IntVar(&cfg.Conns, "conns", 500, "订阅连接数")
	flag.DurationVar(&cfg.Ramp, "ramp", 10*time.Second, "建连爬坡时间")
	flag.IntVar(&cfg.Writes, "writes", 50, "状态修改次数")
	flag.DurationVar(&cfg.WriteInterval, "write-interval", 200*time.Millisecond, "修改间隔")
	flag.DurationVar(&cfg.Settle, "settle", 3*time.Second, "最后一次修改后等待推送的时间")
	flag.StringVar(&cfg.Output, "output", "text", "输出格式: text, json")
	flag.Parse()
	return cfg
}

// signIn 返回写入方的用户ID
func signIn(ctx context.Context, cfg Config) (string, error) {
	if cfg.User != "" {
		body, _ := json.Marshal(map[string]string{"user_id": cfg.User})
		if _, err := doJSON(ctx, http.MethodPost, cfg.Target+"/v1/session", body, nil); err != nil {
			return "", err
		}
		return cfg.User, nil
	}
	var me struct {
		UserID string `json:"user_id"`
	}
	if _, err := doJSON(ctx, http.MethodGet, cfg.Target+"/v1/me", nil, &me); err != nil {
		return "", err
	}
	return me.UserID, nil
}

func connectAll(ctx context.Context, cfg Config, writer string, last *atomic.Pointer[pending], stats *Stats) []*websocket.Conn {
	wsURL := "ws" + strings.TrimPrefix(cfg.Target, "http") + "/v1/ws"
	interval := time.Duration(float64(cfg.Ramp) / math.Max(float64(cfg.Conns), 1))

	bar := progressbar.NewOptions(cfg.Conns,
		progressbar.OptionSetDescription("建立连接"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("conn"),
	)

	var conns []*websocket.Conn
	for i := 0; i < cfg.Conns && ctx.Err() == nil; i++ {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			atomic.AddInt64(&stats.ConnFailed, 1)
			stats.addError("dial")
		} else {
			atomic.AddInt64(&stats.ConnOK, 1)
			conns = append(conns, conn)
			go readLoop(conn, writer, last, stats)
		}
		_ = bar.Add(1)
		if interval > 0 {
			time.Sleep(interval)
		}
	}
	_ = bar.Finish()
	fmt.Println()
	return conns
}

func readLoop(conn *websocket.Conn, writer string, last *atomic.Pointer[pending], stats *Stats) {
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != "change" {
			continue
		}
		var ch statusChange
		if err := json.Unmarshal(msg.Data, &ch); err != nil {
			stats.addError("decode")
			continue
		}
		if ch.UserID != writer {
			continue
		}
		if !ch.New.Confirmed {
			atomic.AddInt64(&stats.Unconfirmed, 1)
			continue
		}
		if p := last.Load(); p != nil && p.status == ch.New.Status {
			atomic.AddInt64(&stats.Delivered, 1)
			stats.addLatency(time.Since(p.sentAt))
		}
	}
}

func runWrites(ctx context.Context, cfg Config, last *atomic.Pointer[pending], stats *Stats) {
	values := []string{"busy", "doNotDisturb"}
	ticker := time.NewTicker(cfg.WriteInterval)
	defer ticker.Stop()

	for i := 0; i < cfg.Writes; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		status := values[i%len(values)]
		last.Store(&pending{status: status, sentAt: time.Now()})

		body, _ := json.Marshal(map[string]string{"status": status})
		if code, err := doJSON(ctx, http.MethodPut, cfg.Target+"/v1/me/status", body, nil); err != nil {
			atomic.AddInt64(&stats.WritesFail, 1)
			stats.addError(fmt.Sprintf("write_%d", code))
			continue
		}
		atomic.AddInt64(&stats.WritesOK, 1)
	}
}

func doJSON(ctx context.Context, method, url string, body []byte, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("%s %s: %s", method, url, resp.Status)
	}
	if out != nil {
		return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode, nil
}

func calculateLatencyStats(latencies []int64) LatencyStats {
	if len(latencies) == 0 {
		return LatencyStats{}
	}
	sorted := latencies
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	toMs := func(ns float64) float64 { return ns / 1e6 }

	var sum float64
	for _, v := range sorted {
		sum += float64(v)
	}
	avg := sum / float64(len(sorted))
	var variance float64
	for _, v := range sorted {
		d := float64(v) - avg
		variance += d * d
	}
	variance /= float64(len(sorted))

	at := func(p int) float64 { return toMs(float64(sorted[len(sorted)*p/100])) }
	return LatencyStats{
		Count:  len(sorted),
		Min:    toMs(float64(sorted[0])),
		Max:    toMs(float64(sorted[len(sorted)-1])),
		Avg:    toMs(avg),
		P50:    at(50),
		P90:    at(90),
		P99:    at(99),
		StdDev: toMs(math.Sqrt(variance)),
	}
}
