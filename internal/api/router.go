package api

import (
	"github.com/gin-gonic/gin"

	"github.com/janiluuk/vimage-api/config"
	"github.com/janiluuk/vimage-api/internal/api/handler"
	"github.com/janiluuk/vimage-api/internal/api/middleware"
)

type Router struct {
	videoJobHandler  *handler.VideoJobHandler
	modelsHandler    *handler.ModelsHandler
	websocketHandler *handler.WebSocketHandler
	cfg              *config.Config
}

func NewRouter(
	videoJobHandler *handler.VideoJobHandler,
	modelsHandler *handler.ModelsHandler,
	websocketHandler *handler.WebSocketHandler,
	cfg *config.Config,
) *Router {
	return &Router{
		videoJobHandler:  videoJobHandler,
		modelsHandler:    modelsHandler,
		websocketHandler: websocketHandler,
		cfg:              cfg,
	}
}

func (r *Router) Setup() *gin.Engine {
	if r.cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS(r.cfg.CORS))
	engine.MaxMultipartMemory = 32 << 20

	// 本地磁盘上的素材和产物
	storage := engine.Group("/storage")
	{
		storage.Static("/videos", r.cfg.Paths.Videos)
		storage.Static("/processed", r.cfg.Paths.Processed)
		storage.Static("/preview", r.cfg.Paths.Preview)
	}

	api := engine.Group("/api/v1")
	{
		api.GET("/ws", r.websocketHandler.Handle)
		api.GET("/models", r.modelsHandler.List)

		jobs := api.Group("/video-jobs")
		jobs.Use(middleware.Auth(r.cfg.JWT.Secret))
		{
			jobs.POST("", r.videoJobHandler.Create)
			jobs.GET("", r.videoJobHandler.List)
			jobs.GET("/queue", r.videoJobHandler.Queue)
			jobs.GET("/:id", r.videoJobHandler.Status)
			jobs.GET("/:id/revisions", r.videoJobHandler.Revisions)
			jobs.POST("/:id/submit", r.videoJobHandler.Submit)
			jobs.POST("/:id/approve", r.videoJobHandler.Approve)
			jobs.POST("/:id/cancel", r.videoJobHandler.Cancel)
		}
	}

	return engine
}
