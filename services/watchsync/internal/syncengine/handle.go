package syncengine

import "context"

// Runner runs fn on the engine's loop and waits for it.
type Runner interface {
	Do(ctx context.Context, fn func()) error
}

// Handle exposes an Engine to goroutines other than the loop. Every call is
// marshalled onto the loop through Runner.
type Handle struct {
	engine *Engine
	runner Runner
}

func NewHandle(e *Engine, r Runner) *Handle {
	return &Handle{engine: e, runner: r}
}

func (h *Handle) call(ctx context.Context, fn func() error) error {
	var err error
	if doErr := h.runner.Do(ctx, func() { err = fn() }); doErr != nil {
		return doErr
	}
	return err
}

func (h *Handle) View(ctx context.Context) (View, error) {
	var v View
	err := h.call(ctx, func() error {
		v = h.engine.View()
		return nil
	})
	return v, err
}

func (h *Handle) ChangeVideo(ctx context.Context, url string) error {
	return h.call(ctx, func() error { return h.engine.ChangeVideo(url) })
}

func (h *Handle) SetPlaying(ctx context.Context, playing bool) error {
	return h.call(ctx, func() error { return h.engine.SetPlaying(playing) })
}

func (h *Handle) TogglePlayPause(ctx context.Context) error {
	return h.call(ctx, h.engine.TogglePlayPause)
}

func (h *Handle) SeekTo(ctx context.Context, t float64) error {
	return h.call(ctx, func() error { return h.engine.SeekTo(t) })
}

func (h *Handle) Skip(ctx context.Context, delta float64) error {
	return h.call(ctx, func() error { return h.engine.Skip(delta) })
}

func (h *Handle) SetQualityLevel(ctx context.Context, level int) error {
	return h.call(ctx, func() error { return h.engine.SetQualityLevel(level) })
}

func (h *Handle) SetVolume(ctx context.Context, v float64) error {
	return h.call(ctx, func() error { return h.engine.SetVolume(v) })
}

func (h *Handle) SetMuted(ctx context.Context, muted bool) error {
	return h.call(ctx, func() error {
		h.engine.SetMuted(muted)
		return nil
	})
}
