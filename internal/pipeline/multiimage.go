package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aristath/jobsched/internal/scheduler"
	"github.com/aristath/jobsched/internal/tasks"
)

// MethodPrebuilt is the only supported multi-image dataset method: the
// databases already exist and only need analysing.
const MethodPrebuilt = "prebuilt"

// MultiImageForm holds the fields of a multi-image dataset submission.
type MultiImageForm struct {
	Name     string
	Username string
	Group    string
	Method   string // Empty means prebuilt

	TrainImages [2]string
	TrainLabels string
	ValImages   [2]string
	ValLabels   string

	// MeanFiles are prebuilt mean images for each input, stored on the job.
	MeanFiles [2]string

	ForceSameShape bool
}

// MultiImageDataset builds the pipeline for a multi-image dataset: one
// analyze-db step per provided database. Both training image databases are
// required. Validation images are analysed only when the first one is given,
// and validation labels only alongside validation images.
func MultiImageDataset(form MultiImageForm) (*Document, error) {
	var problems []string
	if strings.TrimSpace(form.Name) == "" {
		problems = append(problems, "dataset name is required")
	}
	if form.Method != "" && form.Method != MethodPrebuilt {
		problems = append(problems, fmt.Sprintf("method %q not supported", form.Method))
	}
	for i, db := range form.TrainImages {
		if strings.TrimSpace(db) == "" {
			problems = append(problems, fmt.Sprintf("training images %d are required", i))
		}
	}
	if len(problems) > 0 {
		return nil, scheduler.NewValidationError("", problems...)
	}

	force := strconv.FormatBool(form.ForceSameShape)
	step := func(id, purpose, database string, optional bool) Step {
		return Step{
			ID:   id,
			Kind: tasks.KindAnalyzeDB,
			Name: purpose,
			Params: map[string]string{
				"database":         strings.TrimSpace(database),
				"purpose":          purpose,
				"force_same_shape": force,
			},
			Optional: optional,
		}
	}

	doc := &Document{
		Name:     strings.TrimSpace(form.Name),
		Username: form.Username,
		Group:    strings.TrimSpace(form.Group),
		Steps: []Step{
			step("train-images-0", "Training Images (input 0)", form.TrainImages[0], false),
			step("train-images-1", "Training Images (input 1)", form.TrainImages[1], false),
			step("train-labels", "Training Labels", form.TrainLabels, true),
		},
	}
	if strings.TrimSpace(form.ValImages[0]) != "" {
		doc.Steps = append(doc.Steps,
			step("val-images-0", "Validation Images (input 0)", form.ValImages[0], false),
			step("val-images-1", "Validation Images (input 1)", form.ValImages[1], false),
			step("val-labels", "Validation Labels", form.ValLabels, true),
		)
	}
	for i, f := range form.MeanFiles {
		if f = strings.TrimSpace(f); f != "" {
			if doc.Metadata == nil {
				doc.Metadata = make(map[string]string)
			}
			doc.Metadata[fmt.Sprintf("mean_file_%d", i)] = f
		}
	}
	return doc, nil
}
