package httptransport

import (
	"embed"
	"html/template"
	"io/fs"
	"net/http"

	"github.com/gin-gonic/gin"
)

//go:embed web/templates/*.html
var pageFS embed.FS

//go:embed web/static
var staticFS embed.FS

// 页面提示代码，经查询参数 alert 传递，避免把任意文本回显到页面
var alertMessages = map[string]string{
	"send-failed":   MsgSendFailed,
	"delete-failed": MsgDeleteFailed,
	"too-long":      MsgMessageTooLong,
}

type loginPageData struct {
	Email string
	Error string
}

type indexPageData struct {
	Username  string
	Alert     string
	Timeline  template.HTML
	MaxLength int
}

// Pages 渲染整页模板
type Pages struct {
	tmpl *template.Template
}

// NewPages 解析内嵌的页面模板
func NewPages() (*Pages, error) {
	tmpl, err := template.ParseFS(pageFS, "web/templates/*.html")
	if err != nil {
		return nil, err
	}
	return &Pages{tmpl: tmpl}, nil
}

func (p *Pages) render(c *gin.Context, status int, name string, data interface{}) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Header("Cache-Control", "no-store")
	c.Status(status)
	if err := p.tmpl.ExecuteTemplate(c.Writer, name, data); err != nil {
		_ = c.Error(err)
	}
}

// staticHandler 提供页面脚本和样式
func staticHandler() http.FileSystem {
	sub, err := fs.Sub(staticFS, "web/static")
	if err != nil {
		panic(err)
	}
	return http.FS(sub)
}
