package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-playground/validator/v10"
)

const maxRequestBody = 64 << 10

var validate = validator.New()

var (
	regionRegex = regexp.MustCompile(`^(?i:any|[a-z]{2})$`)
	clockRegex  = regexp.MustCompile(`^([01]?[0-9]|2[0-3]):[0-5][0-9]$`)
)

func init() {
	validate.RegisterValidation("region", func(fl validator.FieldLevel) bool {
		return regionRegex.MatchString(fl.Field().String())
	})
	validate.RegisterValidation("clock", func(fl validator.FieldLevel) bool {
		return clockRegex.MatchString(fl.Field().String())
	})
}

type connectRequest struct {
	CountryCode  string `json:"country_code" validate:"omitempty,region"`
	LeaseMinutes int    `json:"lease_minutes" validate:"gte=0"`
}

type renewRequest struct {
	LeaseMinutes int `json:"lease_minutes" validate:"gte=0"`
}

type createScheduleRequest struct {
	CountryCode string `json:"country_code" validate:"required,region"`
	StartTime   string `json:"start_time" validate:"required,clock"`
	EndTime     string `json:"end_time" validate:"required,clock"`
	DaysOfWeek  []int  `json:"days_of_week" validate:"omitempty,dive,min=0,max=6"`
}

type setActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

type sampleRequest struct {
	DownloadBps   float64         `json:"download_bps" validate:"gte=0"`
	UploadBps     float64         `json:"upload_bps" validate:"gte=0"`
	LatencyMS     float64         `json:"latency_ms" validate:"gte=0"`
	PacketLossPct float64         `json:"packet_loss_pct" validate:"gte=0,lte=100"`
	LoadedLatency *loadedLatency  `json:"loaded_latency"`
	Scores        json.RawMessage `json:"scores"`
}

type loadedLatency struct {
	Download float64 `json:"download" validate:"gte=0"`
	Upload   float64 `json:"upload" validate:"gte=0"`
}

// decode reads a JSON body into v and validates it. An empty body decodes
// as the zero value.
func decode(r *http.Request, v any) error {
	body := http.MaxBytesReader(nil, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}

// queryLimit parses the limit query parameter.
func queryLimit(r *http.Request, fallback, max int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if limit > max {
		limit = max
	}
	return limit, nil
}
