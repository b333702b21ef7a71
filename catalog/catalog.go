// Package catalog maps training tasks to HuggingFace Hub base models: a
// vetted default per task, plus a live Hub listing for users who want
// alternatives.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/dataforall/training-backend/models"
)

const hubBase = "https://huggingface.co/api"

// defaultModels are the vetted per-task base models used when a job does not
// name one.
var defaultModels = map[models.TrainingTask]string{
	models.TaskImageClassification:   "google/vit-base-patch16-224",
	models.TaskTabularClassification: "microsoft/table-transformer-detection",
	models.TaskAudioClassification:   "facebook/wav2vec2-base",
	models.TaskTimeSeriesForecasting: "huggingface/autoformer-tourism-monthly",
	models.TaskAnomalyDetection:      "facebook/dinov2-base",
	models.TaskTextClassification:    "distilbert/distilbert-base-uncased",
	models.TaskObjectDetection:       "facebook/detr-resnet-50",
}

// ResolveBaseModel returns the base model for a job: the requested one when
// given, otherwise the task default.
func ResolveBaseModel(task models.TrainingTask, requested string) (string, error) {
	if requested != "" {
		return requested, nil
	}
	if m, ok := defaultModels[task]; ok {
		return m, nil
	}
	return "", fmt.Errorf("no default base model for task %q", task)
}

// DefaultModel returns the vetted default for a task.
func DefaultModel(task models.TrainingTask) (string, bool) {
	m, ok := defaultModels[task]
	return m, ok
}

// Catalog queries the HuggingFace Hub model index.
type Catalog struct {
	token  string
	client *http.Client
}

// New creates a catalog. token may be empty for anonymous Hub access.
func New(token string) *Catalog {
	return &Catalog{
		token:  token,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

type hubModel struct {
	ModelID     string   `json:"modelId"`
	Author      string   `json:"author"`
	PipelineTag string   `json:"pipeline_tag"`
	Downloads   int64    `json:"downloads"`
	Likes       int64    `json:"likes"`
	Tags        []string `json:"tags"`
}

// hubPipelineTags maps our task vocabulary to Hub pipeline tags.
var hubPipelineTags = map[models.TrainingTask]string{
	models.TaskImageClassification:   "image-classification",
	models.TaskTabularClassification: "tabular-classification",
	models.TaskAudioClassification:   "audio-classification",
	models.TaskTimeSeriesForecasting: "time-series-forecasting",
	models.TaskAnomalyDetection:      "image-feature-extraction",
	models.TaskTextClassification:    "text-classification",
	models.TaskObjectDetection:       "object-detection",
}

// ListModels returns popular Hub models for a task, the task default first.
// When the Hub is unreachable the default alone is returned so the endpoint
// degrades instead of erroring.
func (c *Catalog) ListModels(ctx context.Context, task models.TrainingTask, limit int) (*models.HFModelListResponse, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}

	resp := &models.HFModelListResponse{TaskFilter: string(task)}
	if def, ok := defaultModels[task]; ok {
		resp.Models = append(resp.Models, models.HFModelInfo{
			ModelID: def,
			Task:    string(task),
			Tags:    []string{"default"},
		})
	}

	hubModels, err := c.fetchHubModels(ctx, task, limit)
	if err != nil {
		log.Printf("HuggingFace Hub query failed for task %s: %v", task, err)
		resp.Total = len(resp.Models)
		return resp, nil
	}

	for _, hm := range hubModels {
		if len(resp.Models) > 0 && hm.ModelID == resp.Models[0].ModelID {
			continue
		}
		resp.Models = append(resp.Models, models.HFModelInfo{
			ModelID:   hm.ModelID,
			Author:    hm.Author,
			Task:      hm.PipelineTag,
			Downloads: hm.Downloads,
			Likes:     hm.Likes,
			Tags:      hm.Tags,
		})
		if len(resp.Models) >= limit {
			break
		}
	}
	resp.Total = len(resp.Models)
	return resp, nil
}

func (c *Catalog) fetchHubModels(ctx context.Context, task models.TrainingTask, limit int) ([]hubModel, error) {
	tag, ok := hubPipelineTags[task]
	if !ok {
		return nil, fmt.Errorf("no Hub pipeline tag for task %q", task)
	}

	q := url.Values{}
	q.Set("pipeline_tag", tag)
	q.Set("sort", "downloads")
	q.Set("direction", "-1")
	q.Set("limit", fmt.Sprintf("%d", limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hubBase+"/models?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("hub API error %d: %s", res.StatusCode, string(data))
	}

	var out []hubModel
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
