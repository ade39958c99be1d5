package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Brownie44l1/digit-api/internal/imaging"
	"github.com/Brownie44l1/digit-api/internal/model"
)

// predictRequest is the JSON body form of the predict endpoint. The same
// endpoint also accepts a form field, matching what an HTMX canvas posts.
type predictRequest struct {
	Image string `json:"image"`
}

func predictionBody(p *model.Prediction) gin.H {
	return gin.H{
		"success":               true,
		"prediction":            p.Label,
		"confidence":            p.Confidence,
		"confidence_percentage": fmt.Sprintf("%.1f%%", p.Confidence*100),
		"probabilities":         p.Probabilities,
	}
}

// respondError maps classifier errors onto status codes: bad input 400,
// model not loaded 503, anything else 500. Messages stay generic; details
// go to the log only.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, imaging.ErrDecode):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid image data"})
	case errors.Is(err, model.ErrNotReady):
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "model not loaded"})
	default:
		slog.Error("prediction failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "prediction failed"})
	}
}

// PredictHandler classifies one base64 data-URL image, taken from either a
// JSON body or an "image" form field.
func (s *Server) PredictHandler(c *gin.Context) {
	var payload string
	if strings.HasPrefix(c.ContentType(), "application/json") {
		var req predictRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid JSON body"})
			return
		}
		payload = req.Image
	} else {
		payload = c.PostForm("image")
	}

	if strings.TrimSpace(payload) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "no image data provided"})
		return
	}

	pred, err := s.classifier.PredictSingle([]byte(payload))
	if err != nil {
		respondError(c, err)
		return
	}

	slog.Debug("prediction", "label", pred.Label, "confidence", pred.Confidence)
	c.JSON(http.StatusOK, predictionBody(pred))
}

// PredictFileHandler classifies an uploaded image file from the "file"
// multipart field.
func (s *Server) PredictFileHandler(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "no file provided, use 'file' as the form field name"})
		return
	}
	if ct := header.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "image/") {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "file must be an image"})
		return
	}

	f, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "unreadable upload"})
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "unreadable upload"})
		return
	}

	pred, err := s.classifier.PredictSingle(data)
	if err != nil {
		respondError(c, err)
		return
	}

	body := predictionBody(pred)
	body["filename"] = header.Filename
	c.JSON(http.StatusOK, body)
}

// BatchPredictHandler classifies up to the configured limit of images from
// repeated "images" form fields. Results come back in submission order; a
// bad image fails its own slot only.
func (s *Server) BatchPredictHandler(c *gin.Context) {
	images := c.PostFormArray("images")
	if len(images) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "no images provided"})
		return
	}
	if len(images) > s.batchLimit {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   fmt.Sprintf("maximum %d images allowed per batch", s.batchLimit),
		})
		return
	}

	payloads := make([][]byte, len(images))
	for i, img := range images {
		payloads[i] = []byte(img)
	}

	results, err := s.classifier.PredictBatch(payloads)
	if err != nil {
		respondError(c, err)
		return
	}

	items := make([]gin.H, len(results))
	successful := 0
	for i, res := range results {
		if res.Err != nil {
			items[i] = gin.H{"index": res.Index, "success": false, "error": "invalid image data"}
			continue
		}
		items[i] = gin.H{
			"index":                 res.Index,
			"success":               true,
			"prediction":            res.Prediction.Label,
			"confidence":            res.Prediction.Confidence,
			"confidence_percentage": fmt.Sprintf("%.1f%%", res.Prediction.Confidence*100),
		}
		successful++
	}

	c.JSON(http.StatusOK, gin.H{
		"success":                true,
		"total_images":           len(results),
		"successful_predictions": successful,
		"results":                items,
	})
}

// HealthHandler reports readiness: 200 once the model is loaded and its
// self-test forward pass has succeeded, 503 before that.
func (s *Server) HealthHandler(c *gin.Context) {
	if !s.classifier.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "ready": true})
}

// ModelInfoHandler describes the loaded model.
func (s *Server) ModelInfoHandler(c *gin.Context) {
	info, err := s.classifier.Info()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}
