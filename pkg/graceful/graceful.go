package graceful

import (
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Stop 阻塞直到收到 SIGINT/SIGTERM，然后执行 fn
func Stop(fn func()) {
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	<-done
	signal.Stop(done)
	fn()
}

// StopWithTime 执行 fn 后最多再等待 duration
func StopWithTime(duration time.Duration, fn func()) {
	Stop(func() {
		finished := make(chan struct{})
		go func() {
			defer close(finished)
			fn()
		}()
		select {
		case <-finished:
		case <-time.After(duration):
		}
	})
}
