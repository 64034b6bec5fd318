package api

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"plant-diagnosis-service/service"

	"github.com/getsentry/raven-go"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	// FormField is the multipart field carrying the leaf image.
	FormField = "my_image"

	IndexMessage = "✅ API aktif. Gunakan POST /api/diagnosis."

	msgMissingFile   = "File gambar tidak ditemukan"
	msgEmptyFilename = "Nama file kosong"
	msgSaveFailed    = "Gagal menyimpan file"
)

// Diagnoser is the part of the inference service the HTTP layer needs.
type Diagnoser interface {
	Ready() bool
	Diagnose(path string) (*service.Diagnosis, error)
}

type Options struct {
	UploadDir   string
	BodyLimit   int
	ReadTimeout time.Duration
	Metrics     *Metrics
	AccessLog   bool
}

type DiagnosisHandler struct {
	diagnoser Diagnoser
	uploadDir string
	metrics   *Metrics
}

// NewApp builds the Fiber application serving the diagnosis API.
func NewApp(diagnoser Diagnoser, opts Options) *fiber.App {
	if opts.UploadDir == "" {
		opts.UploadDir = os.TempDir()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}

	app := fiber.New(fiber.Config{
		AppName:               "plant-diagnosis-service",
		BodyLimit:             opts.BodyLimit,
		ReadTimeout:           opts.ReadTimeout,
		ErrorHandler:          errorHandler,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(cors.New())
	if opts.AccessLog {
		app.Use(logger.New(logger.Config{Output: log.StandardLogger().Out}))
	}

	h := &DiagnosisHandler{
		diagnoser: diagnoser,
		uploadDir: opts.UploadDir,
		metrics:   opts.Metrics,
	}

	app.Get("/", HandleIndex)
	app.Post("/api/diagnosis", h.HandleDiagnosis)
	app.Get("/metrics", opts.Metrics.Handler())

	return app
}

func HandleIndex(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"message": IndexMessage})
}

func (h *DiagnosisHandler) HandleDiagnosis(c *fiber.Ctx) error {
	if !h.diagnoser.Ready() {
		return h.fail(c, service.ErrModelNotReady)
	}

	form, err := c.MultipartForm()
	if err != nil {
		return h.fail(c, service.Validation(msgMissingFile))
	}

	files := form.File[FormField]
	if len(files) == 0 {
		// a file input submitted without a selection arrives as a plain value
		if _, present := form.Value[FormField]; present {
			return h.fail(c, service.Validation(msgEmptyFilename))
		}
		return h.fail(c, service.Validation(msgMissingFile))
	}
	file := files[0]
	if file.Filename == "" {
		return h.fail(c, service.Validation(msgEmptyFilename))
	}

	path := filepath.Join(h.uploadDir, uploadName(file.Filename))
	defer removeUpload(path)

	if err := c.SaveFile(file, path); err != nil {
		return h.fail(c, service.Processing(msgSaveFailed, err))
	}

	start := time.Now()
	diagnosis, err := h.diagnoser.Diagnose(path)
	h.metrics.ObserveInference(time.Since(start))
	if err != nil {
		return h.fail(c, err)
	}

	result := diagnosis.Rounded()
	log.WithFields(log.Fields{
		"file":       file.Filename,
		"label":      result.Label,
		"confidence": result.Confidence,
	}).Info("[Diagnosis] Image classified")

	h.metrics.CountRequest(fiber.StatusOK)
	return c.JSON(result)
}

func (h *DiagnosisHandler) fail(c *fiber.Ctx, err error) error {
	status := StatusFor(service.KindOf(err))
	h.metrics.CountRequest(status)

	entry := log.WithFields(log.Fields{"status": status, "kind": service.KindOf(err).String()})
	if status >= fiber.StatusInternalServerError && status != fiber.StatusServiceUnavailable {
		entry.Error("[Diagnosis] Request failed: ", err.Error())
		raven.CaptureError(err, map[string]string{"route": c.Path()})
	} else {
		entry.Debug("[Diagnosis] Request rejected: ", err.Error())
	}

	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

// StatusFor maps a pipeline error kind to its HTTP status.
func StatusFor(kind service.Kind) int {
	switch kind {
	case service.KindValidation:
		return fiber.StatusBadRequest
	case service.KindUnavailable:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}
	if code >= fiber.StatusInternalServerError {
		log.Error("[API] Unhandled error: ", err.Error())
		raven.CaptureError(err, map[string]string{"route": c.Path()})
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

// uploadName prefixes the sanitized client filename with a UUID so that
// concurrent uploads never share a path.
func uploadName(filename string) string {
	id := uuid.New().String()
	if safe := SecureFilename(filename); safe != "" {
		return id + "_" + safe
	}
	return id
}

// SecureFilename reduces a client supplied filename to a flat ASCII name
// made of letters, digits, '.', '_' and '-'.
func SecureFilename(filename string) string {
	filename = strings.NewReplacer("/", " ", "\\", " ").Replace(filename)
	filename = strings.Join(strings.Fields(filename), "_")

	var b strings.Builder
	for _, r := range filename {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), "._")
}

func removeUpload(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn("[Diagnosis] Couldn't remove upload ", path, ": ", err.Error())
	}
}
