package api

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"reflect"
	"strings"
	"testing"

	"plant-diagnosis-service/data"
	"plant-diagnosis-service/model"
	"plant-diagnosis-service/service"

	"github.com/gofiber/fiber/v2"
)

func ok(tb testing.TB, err error) {
	tb.Helper()
	if err != nil {
		tb.Fatalf("unexpected error: %s", err.Error())
	}
}

func equals(tb testing.TB, act, exp interface{}) {
	tb.Helper()
	if !reflect.DeepEqual(exp, act) {
		tb.Fatalf("exp: %#v\n\n\tgot: %#v", exp, act)
	}
}

type fakeClassifier struct {
	probs []float32
}

func (f *fakeClassifier) Predict(input []float32) ([]float32, error) {
	return f.probs, nil
}

// panicDiagnoser blows up inside the handler.
type panicDiagnoser struct{}

func (panicDiagnoser) Ready() bool { return true }
func (panicDiagnoser) Diagnose(string) (*service.Diagnosis, error) {
	panic("boom")
}

func classProbs(idx int, p float32) []float32 {
	probs := make([]float32, data.NumClasses)
	for i := range probs {
		probs[i] = (1 - p) / float32(data.NumClasses-1)
	}
	probs[idx] = p
	return probs
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 224, 224))
	for y := 0; y < 224; y++ {
		for x := 0; x < 224; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 30, G: 140, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	ok(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type testServer struct {
	app       *fiber.App
	uploadDir string
}

func newTestServer(t *testing.T, d Diagnoser) *testServer {
	t.Helper()
	dir := t.TempDir()
	return &testServer{
		app:       NewApp(d, Options{UploadDir: dir, BodyLimit: 4 << 20}),
		uploadDir: dir,
	}
}

func readyServer(t *testing.T, probs []float32) *testServer {
	return newTestServer(t, service.NewInferenceService(&fakeClassifier{probs: probs}, model.NHWC))
}

func (s *testServer) do(t *testing.T, req *http.Request) (int, map[string]interface{}) {
	t.Helper()
	resp, err := s.app.Test(req, -1)
	ok(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	ok(t, err)
	var out map[string]interface{}
	ok(t, json.Unmarshal(body, &out))
	return resp.StatusCode, out
}

func (s *testServer) assertNoUploadsLeft(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(s.uploadDir)
	ok(t, err)
	equals(t, len(entries), 0)
}

func uploadRequest(t *testing.T, field, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile(field, filename)
	ok(t, err)
	_, err = part.Write(content)
	ok(t, err)
	ok(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/diagnosis", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestIndex(t *testing.T) {
	for _, d := range []Diagnoser{
		service.NewInferenceService(nil, model.NHWC),
		service.NewInferenceService(&fakeClassifier{}, model.NHWC),
	} {
		s := newTestServer(t, d)
		status, body := s.do(t, httptest.NewRequest(http.MethodGet, "/", nil))
		equals(t, status, http.StatusOK)
		equals(t, body["message"], IndexMessage)
	}
}

func TestDiagnosisSuccess(t *testing.T) {
	s := readyServer(t, classProbs(1, 0.92))

	status, body := s.do(t, uploadRequest(t, FormField, "daun bayam.png", pngBytes(t)))
	equals(t, status, http.StatusOK)
	equals(t, body["label"], "bayam_sehat")
	equals(t, body["confidence"], 92.0)
	equals(t, body["advice"], data.AdviceHealthy)
	s.assertNoUploadsLeft(t)
}

func TestDiagnosisRoundsConfidence(t *testing.T) {
	s := readyServer(t, classProbs(6, 0.712345))

	status, body := s.do(t, uploadRequest(t, FormField, "sawi.png", pngBytes(t)))
	equals(t, status, http.StatusOK)
	equals(t, body["label"], "sawi_sakit")
	equals(t, body["confidence"], 71.23)
	equals(t, body["advice"], data.AdviceMildDiseased)
}

func TestDiagnosisModelNotReady(t *testing.T) {
	s := newTestServer(t, service.NewInferenceService(nil, model.NHWC))

	status, body := s.do(t, uploadRequest(t, FormField, "leaf.png", pngBytes(t)))
	equals(t, status, http.StatusServiceUnavailable)
	equals(t, body["error"], "Model belum siap.")
	s.assertNoUploadsLeft(t)
}

func TestDiagnosisMissingField(t *testing.T) {
	s := readyServer(t, classProbs(0, 0.9))

	status, body := s.do(t, uploadRequest(t, "image", "leaf.png", pngBytes(t)))
	equals(t, status, http.StatusBadRequest)
	equals(t, body["error"], msgMissingFile)
	s.assertNoUploadsLeft(t)
}

func TestDiagnosisNotMultipart(t *testing.T) {
	s := readyServer(t, classProbs(0, 0.9))

	req := httptest.NewRequest(http.MethodPost, "/api/diagnosis", strings.NewReader(`{"my_image": "x"}`))
	req.Header.Set("Content-Type", "application/json")
	status, body := s.do(t, req)
	equals(t, status, http.StatusBadRequest)
	equals(t, body["error"], msgMissingFile)
}

func TestDiagnosisEmptyFilename(t *testing.T) {
	s := readyServer(t, classProbs(0, 0.9))

	status, body := s.do(t, uploadRequest(t, FormField, "", nil))
	equals(t, status, http.StatusBadRequest)
	if _, present := body["error"]; !present {
		t.Fatalf("expected error body, got %v", body)
	}
	s.assertNoUploadsLeft(t)
}

func TestDiagnosisUndecodableImage(t *testing.T) {
	s := readyServer(t, classProbs(0, 0.9))

	status, body := s.do(t, uploadRequest(t, FormField, "leaf.jpg", []byte("this is not an image")))
	equals(t, status, http.StatusInternalServerError)
	msg, _ := body["error"].(string)
	if !strings.HasPrefix(msg, "Gagal membaca gambar") {
		t.Fatalf("unexpected error message %q", msg)
	}
	s.assertNoUploadsLeft(t)
}

func TestDiagnosisPanicBecomesJSON(t *testing.T) {
	s := newTestServer(t, panicDiagnoser{})

	status, body := s.do(t, uploadRequest(t, FormField, "leaf.png", pngBytes(t)))
	equals(t, status, http.StatusInternalServerError)
	if _, present := body["error"]; !present {
		t.Fatalf("expected error body, got %v", body)
	}
	s.assertNoUploadsLeft(t)
}

func TestUnknownRouteIsJSON(t *testing.T) {
	s := readyServer(t, classProbs(0, 0.9))

	status, body := s.do(t, httptest.NewRequest(http.MethodGet, "/api/unknown", nil))
	equals(t, status, http.StatusNotFound)
	if _, present := body["error"]; !present {
		t.Fatalf("expected error body, got %v", body)
	}
}

func TestCORSHeaders(t *testing.T) {
	s := readyServer(t, classProbs(0, 0.9))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := s.app.Test(req, -1)
	ok(t, err)
	equals(t, resp.Header.Get("Access-Control-Allow-Origin"), "*")
}

func TestMetricsEndpoint(t *testing.T) {
	s := readyServer(t, classProbs(3, 0.99))
	status, _ := s.do(t, uploadRequest(t, FormField, "kangkung.png", pngBytes(t)))
	equals(t, status, http.StatusOK)

	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	ok(t, err)
	defer resp.Body.Close()
	equals(t, resp.StatusCode, http.StatusOK)

	body, err := io.ReadAll(resp.Body)
	ok(t, err)
	text := string(body)
	for _, want := range []string{
		`diagnosis_requests_total{status="200"} 1`,
		"diagnosis_inference_duration_seconds_count 1",
		"diagnosis_model_ready",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestSecureFilename(t *testing.T) {
	cases := []struct{ in, want string }{
		{"leaf.png", "leaf.png"},
		{"My Leaf Photo.jpg", "My_Leaf_Photo.jpg"},
		{"../../etc/passwd", "etc_passwd"},
		{`C:\Users\tani\daun.jpeg`, "C_Users_tani_daun.jpeg"},
		{".hidden", "hidden"},
		{"bayam-sehat_01.webp", "bayam-sehat_01.webp"},
		{"ñandú.png", "and.png"},
		{"///", ""},
	}
	for _, c := range cases {
		equals(t, SecureFilename(c.in), c.want)
	}
}

func TestUploadNameIsUnique(t *testing.T) {
	a, b := uploadName("leaf.png"), uploadName("leaf.png")
	if a == b {
		t.Fatalf("upload names collide: %s", a)
	}
	if !strings.HasSuffix(a, "_leaf.png") {
		t.Fatalf("unexpected upload name %s", a)
	}
	if strings.Contains(uploadName("../"), "/") {
		t.Fatal("upload name must not contain separators")
	}
}

func TestStatusFor(t *testing.T) {
	equals(t, StatusFor(service.KindValidation), http.StatusBadRequest)
	equals(t, StatusFor(service.KindUnavailable), http.StatusServiceUnavailable)
	equals(t, StatusFor(service.KindProcessing), http.StatusInternalServerError)
	equals(t, StatusFor(service.KindInternal), http.StatusInternalServerError)
}
