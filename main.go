package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"plant-diagnosis-service/api"
	"plant-diagnosis-service/config"
	"plant-diagnosis-service/model"
	"plant-diagnosis-service/service"

	"github.com/getsentry/raven-go"
	log "github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("[Main] Invalid configuration: ", err.Error())
	}
	log.SetLevel(cfg.LogLevel)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if cfg.SentryDSN != "" {
		if err := raven.SetDSN(cfg.SentryDSN); err != nil {
			log.Warn("[Main] Couldn't configure sentry: ", err.Error())
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		log.Fatal("[Main] Couldn't create upload directory: ", err.Error())
	}

	// A model that fails to provision or load leaves the service running;
	// diagnosis requests answer 503 until the process is restarted.
	var classifier service.Classifier
	layout := model.Layout(cfg.InputLayout)
	if onnxModel := loadModel(ctx, cfg); onnxModel != nil {
		defer onnxModel.Close()
		classifier = onnxModel
		layout = onnxModel.Layout()
	}
	inferenceService := service.NewInferenceService(classifier, layout)

	metrics := api.NewMetrics()
	metrics.SetModelReady(inferenceService.Ready())

	app := api.NewApp(inferenceService, api.Options{
		UploadDir:   cfg.UploadDir,
		BodyLimit:   cfg.BodyLimit(),
		ReadTimeout: cfg.ReadTimeout,
		Metrics:     metrics,
		AccessLog:   true,
	})

	var healthServer *api.HealthServer
	if cfg.GRPCEnabled() {
		healthServer = api.NewHealthServer(inferenceService.Ready())
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			log.Fatal("[Main] Failed to listen for gRPC: ", err.Error())
		}
		go func() {
			log.Info("[Main] Starting gRPC health server on :", cfg.GRPCPort)
			if err := healthServer.Serve(lis); err != nil {
				log.Error("[Main] gRPC server stopped: ", err.Error())
				cancel()
			}
		}()
	}

	go func() {
		log.WithFields(log.Fields{
			"port":        cfg.Port,
			"model_ready": inferenceService.Ready(),
		}).Info("[Main] Starting Fiber server")
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Error("[Main] Fiber server stopped: ", err.Error())
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("[Main] Shutting down")

	if healthServer != nil {
		healthServer.Stop()
	}
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Warn("[Main] Fiber shutdown: ", err.Error())
	}
}

// loadModel provisions and opens the classifier. It returns nil when either
// step fails.
func loadModel(ctx context.Context, cfg *config.Config) *model.ONNXModel {
	provisionCtx, cancel := context.WithTimeout(ctx, cfg.DownloadTimeout)
	defer cancel()

	provisioner := model.NewProvisioner(cfg.ModelPath, cfg.ModelID, cfg.DownloadRetries, cfg.DriveURL)
	if err := provisioner.Ensure(provisionCtx); err != nil {
		log.Error("[Main] Couldn't provision model: ", err.Error())
		return nil
	}

	onnxModel, err := model.NewONNXModel(cfg.ModelPath, model.Options{
		InputName:   cfg.InputName,
		OutputName:  cfg.OutputName,
		Layout:      model.Layout(cfg.InputLayout),
		LibraryPath: cfg.OrtLibPath,
	})
	if err != nil {
		log.Error("[Main] Couldn't load model: ", err.Error())
		return nil
	}

	log.WithFields(log.Fields{
		"path":         cfg.ModelPath,
		"input_shape":  onnxModel.GetInputShape(),
		"output_shape": onnxModel.GetOutputShape(),
	}).Info("[Main] Model loaded")
	return onnxModel
}
