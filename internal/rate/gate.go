package rate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"xmlsplice/pkg/contract"
)

// LimitKey: 限流分组键（例如 transform 名称 + 凭据摘要）。
type LimitKey string

// Limits: 每分组的限额配置。0 表示该维度不启用。
type Limits struct {
	RPM               int // records per minute
	BPM               int // bytes per minute
	MaxBytesPerRecord int // 单条记录字节上限，0 表示不限制
}

// Ask: 一次放行申请。
type Ask struct {
	Key     LimitKey
	Records int // 默认为 1；必须 >=1
	Bytes   int // 记录原始字节数（>=0）
}

// Gate: 限流闸门（并发安全）。
type Gate interface {
	// Wait: 阻塞直到额度可用或 ctx 取消；违反单记录上限时快速失败。
	Wait(ctx context.Context, a Ask) error
	// Try: 非阻塞尝试；不足时返回 false。
	Try(a Ask) bool
}

// Snapshoter: 可选诊断接口。
type Snapshoter interface {
	Snapshot(key LimitKey) (rpmAvail, bpmAvail int)
}

// NewGate: 从静态配置构造闸门；clk 为空则使用 time.Now。
func NewGate(m map[LimitKey]Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{clk: clk, m: make(map[LimitKey]*entry, len(m))}
	now := clk()
	for k, lim := range m {
		g.m[k] = newEntry(lim, now)
	}
	return g
}

type gate struct {
	clk func() time.Time
	mu  sync.Mutex
	m   map[LimitKey]*entry
}

type entry struct {
	mu  sync.Mutex
	lim Limits
	rec bucket // RPM 维度
	byt bucket // BPM 维度
}

type bucket struct {
	cap   int
	level float64
	rate  float64
	last  time.Time
}

func newEntry(lim Limits, now time.Time) *entry {
	e := &entry{lim: lim}
	if lim.RPM > 0 {
		e.rec = newBucket(lim.RPM, now)
	}
	if lim.BPM > 0 {
		e.byt = newBucket(lim.BPM, now)
	}
	return e
}

func newBucket(capacity int, now time.Time) bucket {
	if capacity <= 0 {
		return bucket{}
	}
	return bucket{cap: capacity, level: float64(capacity), rate: float64(capacity) / 60.0, last: now}
}

func (b *bucket) enabled() bool { return b.cap > 0 }

func (b *bucket) refill(now time.Time) {
	if !b.enabled() {
		return
	}
	if now.Before(b.last) {
		// 时钟回拨视为无时间流逝
		return
	}
	dt := now.Sub(b.last).Seconds()
	if dt <= 0 {
		return
	}
	b.level += dt * b.rate
	if b.level > float64(b.cap) {
		b.level = float64(b.cap)
	}
	b.last = now
}

// 单次申请超过桶容量时按满桶放行，避免永久阻塞。
func (b *bucket) need(n int) int {
	if n > b.cap {
		return b.cap
	}
	return n
}

func (b *bucket) canTake(n int) bool {
	if !b.enabled() || n <= 0 {
		return true
	}
	return b.level >= float64(b.need(n))
}

func (b *bucket) take(n int) {
	if !b.enabled() || n <= 0 {
		return
	}
	b.level -= float64(b.need(n))
	if b.level < 0 {
		b.level = 0
	}
}

// waitSecFor 返回达到可消费 n 还需等待的秒数；上层取两维度的最大值。
func (b *bucket) waitSecFor(n int) float64 {
	if !b.enabled() || n <= 0 {
		return 0
	}
	deficit := float64(b.need(n)) - b.level
	if deficit <= 0 {
		return 0
	}
	return deficit / b.rate
}

func (g *gate) get(key LimitKey) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.m[key]
	if e == nil {
		// 未配置的 key 视为不限额
		e = newEntry(Limits{}, g.clk())
		g.m[key] = e
	}
	return e
}

func (g *gate) check(a Ask) (*entry, error) {
	if a.Records <= 0 || a.Bytes < 0 {
		return nil, contract.ErrInvalidInput
	}
	e := g.get(a.Key)
	if e.lim.MaxBytesPerRecord > 0 && a.Bytes > e.lim.MaxBytesPerRecord*a.Records {
		return nil, fmt.Errorf("%w: record %d bytes > %d", contract.ErrBudgetExceeded, a.Bytes, e.lim.MaxBytesPerRecord)
	}
	return e, nil
}

func (g *gate) Try(a Ask) bool {
	e, err := g.check(a)
	if err != nil {
		return false
	}
	now := g.clk()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec.refill(now)
	e.byt.refill(now)
	if e.rec.canTake(a.Records) && e.byt.canTake(a.Bytes) {
		e.rec.take(a.Records)
		e.byt.take(a.Bytes)
		return true
	}
	return false
}

func (g *gate) Wait(ctx context.Context, a Ask) error {
	e, err := g.check(a)
	if err != nil {
		return err
	}
	// 最小睡眠粒度，避免忙等
	const minSleep = 10 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		now := g.clk()
		e.mu.Lock()
		e.rec.refill(now)
		e.byt.refill(now)
		if e.rec.canTake(a.Records) && e.byt.canTake(a.Bytes) {
			e.rec.take(a.Records)
			e.byt.take(a.Bytes)
			e.mu.Unlock()
			return nil
		}
		wr := e.rec.waitSecFor(a.Records)
		wb := e.byt.waitSecFor(a.Bytes)
		e.mu.Unlock()

		waitSec := max(wr, wb)
		d := time.Duration(waitSec*float64(time.Second) + float64(minSleep))
		if err := sleepCtx(ctx, d); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	// 分片为最多 200ms 的步长，及时响应取消
	const step = 200 * time.Millisecond
	for d > 0 {
		s := min(d, step)
		t := time.NewTimer(s)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		d -= s
	}
	return nil
}

// Snapshot: 返回当前可用记录数/字节数的向下取整估值（仅诊断）。
func (g *gate) Snapshot(key LimitKey) (rpmAvail, bpmAvail int) {
	e := g.get(key)
	now := g.clk()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec.refill(now)
	e.byt.refill(now)
	if e.rec.enabled() {
		rpmAvail = int(min(max(e.rec.level, 0), float64(e.rec.cap)))
	}
	if e.byt.enabled() {
		bpmAvail = int(min(max(e.byt.level, 0), float64(e.byt.cap)))
	}
	return
}

var _ Gate = (*gate)(nil)
var _ Snapshoter = (*gate)(nil)
