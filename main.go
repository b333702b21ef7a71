package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dataforall/training-backend/catalog"
	"github.com/dataforall/training-backend/config"
	"github.com/dataforall/training-backend/handlers"
	"github.com/dataforall/training-backend/middleware"
	"github.com/dataforall/training-backend/orchestrator"
	"github.com/dataforall/training-backend/provisioner"
	"github.com/dataforall/training-backend/repository"
	"github.com/dataforall/training-backend/storage"
	"github.com/dataforall/training-backend/stream"
	"github.com/dataforall/training-backend/worker"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}
	defer cfg.Close()

	repo := repository.NewRepository(cfg.DB)

	prov, err := provisioner.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize provisioner: %v", err)
	}
	log.Printf("Compute provider: %s", prov.Mode())

	var objects *storage.Storage
	if cfg.S3AccessKey != "" {
		objects, err = storage.New(cfg)
		if err != nil {
			log.Fatalf("Failed to initialize storage: %v", err)
		}
	} else {
		log.Println("Object storage not configured, dataset checks and model downloads disabled")
	}

	var workers *worker.Manager
	var pool orchestrator.WorkerPool
	if cfg.PersistentWorkerEnabled {
		workers = worker.NewManager(cfg, repo, prov)
		pool = workers
		log.Println("Persistent worker support enabled")
	}

	orch := orchestrator.New(cfg, repo, prov, pool)
	orch.Start()
	defer orch.Stop()

	heartbeats := orchestrator.NewHeartbeatMonitor(orch, repo)
	heartbeats.Start()

	hub := stream.NewHub()
	cat := catalog.New(cfg.HFToken)

	router := gin.Default()
	router.Use(middleware.CORS())

	h := handlers.NewHandler(cfg, repo, orch, prov, workers, hub, cat, objects)
	h.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Printf("Training backend listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	log.Println("Server exited")
}
