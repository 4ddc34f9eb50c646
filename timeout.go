package rcbridge

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TimeoutHandler 为后端调用提供超时与重试
type TimeoutHandler struct {
	logger *zap.Logger
}

// NewTimeoutHandler 创建一个新的超时处理器
func NewTimeoutHandler() *TimeoutHandler {
	return &TimeoutHandler{
		logger: zap.L(),
	}
}

// WithTimeout 使用超时执行函数，timeout <= 0 时不设上限
func (th *TimeoutHandler) WithTimeout(ctx context.Context, timeout time.Duration, operation func(context.Context) error) error {
	if timeout <= 0 {
		return operation(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- operation(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		th.logger.Warn("后端调用超时", zap.Duration("timeout", timeout))
		if ctx.Err() == context.DeadlineExceeded {
			return ErrOperationTimeout
		}
		return ctx.Err()
	}
}

// RetryWithTimeout 使用超时和指数退避重试操作
func (th *TimeoutHandler) RetryWithTimeout(ctx context.Context, maxRetries int, baseTimeout time.Duration, operation func(context.Context) error) error {
	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		timeout := baseTimeout * time.Duration(1<<uint(i)) // 指数退避

		err := th.WithTimeout(ctx, timeout, operation)
		if err == nil {
			return nil
		}

		lastErr = err
		th.logger.Warn("操作失败，正在重试",
			zap.Int("attempt", i+1),
			zap.Int("max_retries", maxRetries),
			zap.Duration("timeout", timeout),
			zap.Error(err))

		if i < maxRetries-1 {
			waitTime := time.Duration(100*(1<<uint(i))) * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(waitTime):
				continue
			}
		}
	}

	return lastErr
}

// CircuitBreaker 连续失败达到阈值后短路后端调用，直到冷却结束
type CircuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration

	mu           sync.Mutex
	failures     int
	lastFailTime time.Time
	state        CircuitState
	logger       *zap.Logger
}

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	}
	return "closed"
}

// NewCircuitBreaker 创建一个新的断路器，maxFailures <= 0 时永不打开
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        CircuitClosed,
		logger:       zap.L(),
	}
}

// Execute 通过断路器运行操作
func (cb *CircuitBreaker) Execute(operation func() error) error {
	cb.mu.Lock()
	if cb.state == CircuitOpen {
		if time.Since(cb.lastFailTime) > cb.resetTimeout {
			cb.state = CircuitHalfOpen
			cb.logger.Info("断路器转换为半开状态")
		} else {
			cb.mu.Unlock()
			return ErrCircuitBreakerOpen
		}
	}
	cb.mu.Unlock()

	err := operation()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}

// Reset 清除失败计数并关闭断路器，重新连接后端时调用
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.state = CircuitClosed
}

func (cb *CircuitBreaker) recordFailure() {
	cb.failures++
	cb.lastFailTime = time.Now()

	if cb.state == CircuitHalfOpen || (cb.maxFailures > 0 && cb.failures >= cb.maxFailures) {
		cb.state = CircuitOpen
		cb.logger.Warn("断路器已打开",
			zap.Int("failures", cb.failures),
			zap.Int("max_failures", cb.maxFailures))
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	if cb.state == CircuitHalfOpen {
		cb.logger.Info("断路器已关闭")
	}
	cb.state = CircuitClosed
	cb.failures = 0
}

// GetState 返回当前断路器状态
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

var (
	ErrCircuitBreakerOpen = NewTimeoutError("circuit breaker open")
	ErrOperationTimeout   = NewTimeoutError("backend call timed out")
)

// TimeoutError 表示与超时或短路相关的错误
type TimeoutError struct {
	message string
}

func NewTimeoutError(message string) *TimeoutError {
	return &TimeoutError{message: message}
}

func (e *TimeoutError) Error() string {
	return e.message
}
