package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ExhaustedError 瞬态失败重试额度用尽，条目未送达也未标记已通知
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Dispatcher 负责把单个条目送进 sink：全局令牌桶限速、429 冷却、
// 瞬态失败指数退避。令牌桶由外部构造注入，不做隐式全局状态。
type Dispatcher struct {
	sink        Sink
	limiter     *rate.Limiter
	maxAttempts int

	mu       sync.Mutex
	cooldown map[string]time.Time
}

func NewDispatcher(sink Sink, limiter *rate.Limiter, maxAttempts int) *Dispatcher {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Dispatcher{
		sink:        sink,
		limiter:     limiter,
		maxAttempts: maxAttempts,
		cooldown:    make(map[string]time.Time),
	}
}

// Dispatch 投递一个条目直到终态：nil 成功、*PermanentError 放弃、
// *ExhaustedError 瞬态额度用尽、ctx 错误表示本轮被取消。
// 限速重试不计入瞬态额度，但受总时长上限约束。
func (d *Dispatcher) Dispatch(ctx context.Context, target Target, msg Message) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 2 * time.Minute
	bo.Reset()

	start := time.Now()
	attempts := 0

	for {
		if time.Since(start) > bo.MaxElapsedTime {
			return &ExhaustedError{Attempts: attempts, Err: errors.New("dispatch window elapsed")}
		}
		if err := d.waitCooldown(ctx, target.WebhookURL); err != nil {
			return err
		}
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}

		attempts++
		err := d.sink.Publish(ctx, target, msg)
		if err == nil {
			return nil
		}

		var rl *RateLimitedError
		if errors.As(err, &rl) {
			// 同一条目原地等冷却窗口，绝不丢弃
			d.suspend(target.WebhookURL, rl.RetryAfter)
			log.Warn().Msgf("sink rate limited (%s), cooling down %s", target.SourceID, rl.RetryAfter)
			continue
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe
		}

		if attempts >= d.maxAttempts {
			return &ExhaustedError{Attempts: attempts, Err: err}
		}
		next := bo.NextBackOff()
		if next == backoff.Stop {
			return &ExhaustedError{Attempts: attempts, Err: err}
		}
		log.Debug().Msgf("dispatch %s attempt %d failed, retrying in %s: %v", target.SourceID, attempts, next, err)
		if err := sleepCtx(ctx, next); err != nil {
			return err
		}
	}
}

// suspend 记录目标的冷却截止时间；只向后延，不会缩短已有窗口
func (d *Dispatcher) suspend(target string, wait time.Duration) {
	until := time.Now().Add(wait)
	d.mu.Lock()
	if until.After(d.cooldown[target]) {
		d.cooldown[target] = until
	}
	d.mu.Unlock()
}

func (d *Dispatcher) waitCooldown(ctx context.Context, target string) error {
	d.mu.Lock()
	until := d.cooldown[target]
	d.mu.Unlock()

	remain := time.Until(until)
	if remain <= 0 {
		return nil
	}
	return sleepCtx(ctx, remain)
}

// CooldownUntil 返回目标当前的冷却截止时间，零值表示无冷却
func (d *Dispatcher) CooldownUntil(target string) time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cooldown[target]
}

func sleepCtx(ctx context.Context, dur time.Duration) error {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
