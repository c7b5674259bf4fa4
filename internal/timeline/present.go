package timeline

import (
	"time"

	"chatroom/backend/internal/domain"
)

// Frame 是推送给一个观看者的完整时间线
type Frame struct {
	Version int64  `json:"version"`
	Latest  string `json:"latest,omitempty"`
	HTML    string `json:"html"`
}

// Presenter 组合 Builder 和 Renderer
type Presenter struct {
	builder  *Builder
	renderer *Renderer
	now      func() time.Time
}

// NewPresenter 创建 Presenter，now 为空时使用 time.Now
func NewPresenter(builder *Builder, renderer *Renderer, now func() time.Time) *Presenter {
	if now == nil {
		now = time.Now
	}
	return &Presenter{builder: builder, renderer: renderer, now: now}
}

// Present 为观看者构建并渲染快照
func (p *Presenter) Present(snap *domain.Snapshot, viewerUID string) (*View, *Frame, error) {
	view := p.builder.Build(snap, viewerUID, p.now())
	html, err := p.renderer.RenderString(view)
	if err != nil {
		return nil, nil, err
	}
	return view, &Frame{Version: view.Version, Latest: view.Latest, HTML: html}, nil
}
