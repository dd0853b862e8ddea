package safe

import (
	"IMProject/logger"
)

// Go runs f on a new goroutine and swallows panics. Fire-and-forget side
// effects (pushes, history writes, auto-reply triggers) all go through here so
// a panic in one of them cannot take the gateway down.
func Go(name string, f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[safe.Go] %s panic recovered: %v", name, r)
			}
		}()
		f()
	}()
}
