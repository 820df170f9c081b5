package handlers

import (
	"encoding/json"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"

	"github.com/Brownie44l1/modelserver/internal/engine"
	"github.com/Brownie44l1/modelserver/internal/model"
	"github.com/Brownie44l1/modelserver/internal/payload"
)

const (
	initSuccess   = "Success"
	maxImageBytes = 10 << 20
)

type Handler struct {
	session *model.Session
	logger  *slog.Logger
}

func NewHandler(session *model.Session, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{
		session: session,
		logger:  logger,
	}
}

type healthResponse struct {
	Status string        `json:"status"`
	Engine string        `json:"engine"`
	Loaded bool          `json:"loaded"`
	Inputs []engine.Slot `json:"inputs"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	inputs := h.session.Inputs()
	if inputs == nil {
		inputs = []engine.Slot{}
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status: "ok",
		Engine: h.session.Engine(),
		Loaded: h.session.Loaded(),
		Inputs: inputs,
	})
}

// Init loads the model in {"model": ..., "weights": [...]}. Load failures
// are reported in the body with status 200.
func (h *Handler) Init(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readJSON(w, r)
	if !ok {
		return
	}

	def, err := payload.DecodeDefinition(body)
	if err != nil {
		h.logger.Warn("init_payload_invalid", "error", err, "request_id", RequestID(r.Context()))
		writeText(w, http.StatusOK, model.ModelLoadError.Message())
		return
	}
	if err := h.session.Initialize(r.Context(), def); err != nil {
		writeText(w, http.StatusOK, err.Error())
		return
	}
	writeText(w, http.StatusOK, initSuccess)
}

func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readJSON(w, r)
	if !ok {
		return
	}

	inputs, err := payload.DecodePredictBody(body)
	if err != nil {
		h.logger.Warn("predict_payload_invalid", "error", err, "request_id", RequestID(r.Context()))
		writeJSON(w, http.StatusOK, model.PredictionResponse{
			Prediction: model.Sentinel,
			Error:      model.PredictionError.Message(),
		})
		return
	}
	h.respondPrediction(w, r, inputs)
}

func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxImageBytes); err != nil {
		http.Error(w, "Failed to parse form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "No image file provided. Use 'image' as the form field name", http.StatusBadRequest)
		return
	}
	defer file.Close()

	img, format, err := image.Decode(file)
	if err != nil {
		http.Error(w, "Invalid image format. Supported: JPEG, PNG", http.StatusBadRequest)
		return
	}
	h.logger.Debug("image_received",
		"filename", header.Filename,
		"format", format,
		"width", img.Bounds().Dx(),
		"height", img.Bounds().Dy(),
	)

	slots := h.session.Inputs()
	if slots == nil {
		writeJSON(w, http.StatusOK, model.PredictionResponse{
			Prediction: model.Sentinel,
			Error:      model.NotInitialized.Message(),
		})
		return
	}
	slot, ok := pickSlot(slots, r.FormValue("slot"))
	if !ok {
		http.Error(w, "Unknown input slot", http.StatusBadRequest)
		return
	}

	x, err := imageTensor(img, slot.Shape)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.respondPrediction(w, r, model.PredictionRequest{slot.Name: x})
}

func (h *Handler) respondPrediction(w http.ResponseWriter, r *http.Request, inputs model.PredictionRequest) {
	v, err := h.session.Predict(r.Context(), inputs)
	resp := model.PredictionResponse{Prediction: v}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// readJSON reads the request body, answering 400 when it is not JSON.
func (h *Handler) readJSON(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return nil, false
	}
	if !json.Valid(body) {
		writeText(w, http.StatusBadRequest, model.ParseError.Message())
		return nil, false
	}
	return body, true
}

func pickSlot(slots []engine.Slot, name string) (engine.Slot, bool) {
	if name == "" {
		if len(slots) == 0 {
			return engine.Slot{}, false
		}
		return slots[0], true
	}
	for _, s := range slots {
		if s.Name == name {
			return s, true
		}
	}
	return engine.Slot{}, false
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
