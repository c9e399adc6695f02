package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danmuck/udactl/internal/auth"
	logs "github.com/danmuck/udactl/internal/logging"
	"github.com/danmuck/udactl/internal/observability"
)

const version = "0.1.0"

// PluginInfo is one row of GET /plugins.
type PluginInfo struct {
	Name          string `json:"name"`
	Source        string `json:"source"`
	File          string `json:"file,omitempty"`
	Loaded        bool   `json:"loaded"`
	Version       uint32 `json:"version,omitempty"`
	Interface     uint32 `json:"interface_version,omitempty"`
	DefaultMethod string `json:"default_method,omitempty"`
	Description   string `json:"description,omitempty"`
	Private       bool   `json:"private"`
	Error         string `json:"error,omitempty"`
}

// TypeInfo is one row of GET /types.
type TypeInfo struct {
	Name    string      `json:"name"`
	Version uint32      `json:"version"`
	Fields  []FieldInfo `json:"fields"`
}

type FieldInfo struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Elem     string `json:"elem"`
	TypeName string `json:"type_name,omitempty"`
}

func (s *Service) newRouter() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.InitLogger("udaserver")))
	r.Use(observability.RequestMetricsMiddleware("udaserver"))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":          "ok",
			"uptime":          time.Since(s.started).String(),
			"service":         "udaserver",
			"version":         version,
			"protocol":        s.eng.Version,
			"active_clients":  s.Active(),
			"requests_served": s.served.Load(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	var v auth.Validator
	if s.cfg.AdminToken != "" {
		v = auth.StaticToken{Token: s.cfg.AdminToken}
	}
	listings := r.Group("/", auth.Middleware(v))
	listings.GET("/plugins", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"plugins": s.Plugins()})
	})
	listings.GET("/types", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"types": s.Types()})
	})
	return r
}

// Router exposes the admin handler, mainly for tests.
func (s *Service) Router() *gin.Engine {
	return s.router
}

// Plugins lists declared plugins without loading any of them. Private
// plugins are listed by name only.
func (s *Service) Plugins() []PluginInfo {
	list := s.disp.Registry().List()
	out := make([]PluginInfo, 0, len(list))
	for _, st := range list {
		info := PluginInfo{
			Name:    st.Spec.Name,
			Source:  st.Spec.Source,
			Loaded:  st.Loaded,
			Private: st.Spec.Private,
			Error:   st.Err,
		}
		if !st.Spec.Private {
			info.File = st.Spec.File
			info.Description = st.Spec.Description
			info.DefaultMethod = st.Spec.DefaultMethod
		}
		if st.Loaded {
			info.Version = st.Meta.Version
			info.Interface = st.Meta.InterfaceVersion
			if !st.Spec.Private {
				info.DefaultMethod = st.Meta.DefaultMethod
				info.Description = st.Meta.Description
			}
		}
		out = append(out, info)
	}
	return out
}

// Types lists every registered structure layout.
func (s *Service) Types() []TypeInfo {
	types := s.disp.Registry().Types()
	names := types.Names()
	out := make([]TypeInfo, 0, len(names))
	for _, name := range names {
		desc, ok := types.Lookup(name)
		if !ok {
			continue
		}
		info := TypeInfo{Name: desc.Name, Version: desc.Version, Fields: make([]FieldInfo, len(desc.Fields))}
		for i, f := range desc.Fields {
			info.Fields[i] = FieldInfo{Name: f.Name, Kind: f.Kind.String(), Elem: f.Elem.String(), TypeName: f.TypeName}
		}
		out = append(out, info)
	}
	return out
}

// ServeAdmin serves the admin router on addr until ctx ends.
func (s *Service) ServeAdmin(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logs.Infof("server.admin listening addr=%q", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
