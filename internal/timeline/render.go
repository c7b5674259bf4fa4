package timeline

import (
	"bytes"
	"embed"
	"html/template"
	"io"
)

//go:embed templates/*.html
var templateFS embed.FS

// Renderer 把视图渲染为 HTML 片段。
//
// 片段总是完整替换页面中的 #messages 容器；用户内容经过 html/template 转义。
type Renderer struct {
	tmpl *template.Template
}

// NewRenderer 解析内嵌模板
func NewRenderer() (*Renderer, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &Renderer{tmpl: tmpl}, nil
}

// MustNewRenderer 解析失败时 panic，仅用于初始化
func MustNewRenderer() *Renderer {
	r, err := NewRenderer()
	if err != nil {
		panic(err)
	}
	return r
}

// Render 写出视图片段
func (r *Renderer) Render(w io.Writer, view *View) error {
	if view == nil {
		view = &View{Items: []Item{}}
	}
	return r.tmpl.ExecuteTemplate(w, "timeline", view)
}

// RenderString 渲染为字符串
func (r *Renderer) RenderString(view *View) (string, error) {
	var buf bytes.Buffer
	if err := r.Render(&buf, view); err != nil {
		return "", err
	}
	return buf.String(), nil
}
