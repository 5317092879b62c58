package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/aristath/jobsched/internal/pipeline"
	"github.com/aristath/jobsched/internal/scheduler"
	"github.com/aristath/jobsched/internal/server"
)

func newNewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Create a job from a dataset form",
	}
	cmd.AddCommand(newMultiImageCmd())
	return cmd
}

func newMultiImageCmd() *cobra.Command {
	var (
		flags       server.MultiImageRequest
		trainImages []string
		valImages   []string
		meanFiles   []string
		cloneID     string
		interactive bool
	)

	cmd := &cobra.Command{
		Use:   "multi-image",
		Short: "Create a multi-image dataset job",
		Long: "Create a dataset job from two training image databases, optional labels\n" +
			"and optional validation databases. Without flags an interactive form is shown.\n" +
			"With --clone the form of an existing job is the starting point.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var req server.MultiImageRequest
			if cloneID != "" {
				base, err := fetchForm(cmd, cloneID)
				if err != nil {
					return err
				}
				req = *base
			}

			f := cmd.Flags()
			set := func(name string, dst *string, v string) {
				if f.Changed(name) {
					*dst = v
				}
			}
			set("name", &req.Name, flags.Name)
			set("group", &req.Group, flags.Group)
			set("train-labels", &req.TrainLabels, flags.TrainLabels)
			set("val-labels", &req.ValLabels, flags.ValLabels)
			setPair := func(name string, dst *[2]string, v []string) {
				if f.Changed(name) {
					*dst = [2]string{}
					copy(dst[:], v)
				}
			}
			setPair("train-images", &req.TrainImages, trainImages)
			setPair("val-images", &req.ValImages, valImages)
			setPair("mean-files", &req.MeanFiles, meanFiles)
			if f.Changed("force-same-shape") {
				req.ForceSameShape = flags.ForceSameShape
			}

			if interactive || req.Name == "" {
				if err := multiImageForm(&req).Run(); err != nil {
					if errors.Is(err, huh.ErrUserAborted) {
						return nil
					}
					return err
				}
			}
			if req.Method == "" {
				req.Method = pipeline.MethodPrebuilt
			}

			resp, err := client.Post(cmd.Context(), "/api/v1/datasets/multi-image", req)
			if err != nil {
				return describe("create dataset", err)
			}
			return printCreated(cmd, resp.Data)
		},
	}

	cmd.Flags().StringVar(&flags.Name, "name", "", "Dataset name")
	cmd.Flags().StringVar(&flags.Group, "group", "", "Dataset group")
	cmd.Flags().StringSliceVar(&trainImages, "train-images", nil, "Two training image databases, comma separated")
	cmd.Flags().StringVar(&flags.TrainLabels, "train-labels", "", "Training label database")
	cmd.Flags().StringSliceVar(&valImages, "val-images", nil, "Two validation image databases, comma separated")
	cmd.Flags().StringVar(&flags.ValLabels, "val-labels", "", "Validation label database")
	cmd.Flags().StringSliceVar(&meanFiles, "mean-files", nil, "Prebuilt mean files for each input, comma separated")
	cmd.Flags().BoolVar(&flags.ForceSameShape, "force-same-shape", false, "Require every entry of a database to have the same size")
	cmd.Flags().StringVar(&cloneID, "clone", "", "Start from the form of an existing job")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Fill in the form interactively")
	return cmd
}

// fetchForm loads the multi-image form saved with jobID.
func fetchForm(cmd *cobra.Command, jobID string) (*server.MultiImageRequest, error) {
	resp, err := client.Get(cmd.Context(), "/api/v1/jobs/"+jobID)
	if err != nil {
		return nil, describe("clone job", err)
	}
	var info scheduler.JobInfo
	if err := json.Unmarshal(resp.Data, &info); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(info.Form) == 0 {
		return nil, fmt.Errorf("clone job: job %s has no saved form", jobID)
	}
	var req server.MultiImageRequest
	if err := json.Unmarshal(info.Form, &req); err != nil {
		return nil, fmt.Errorf("clone job: %w", err)
	}
	return &req, nil
}

func required(field string) func(string) error {
	return func(s string) error {
		if s == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
}

// multiImageForm binds an interactive form to req.
func multiImageForm(req *server.MultiImageRequest) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Dataset name").Value(&req.Name).Validate(required("dataset name")),
			huh.NewInput().Title("Group").Value(&req.Group),
		).Title("Dataset"),

		huh.NewGroup(
			huh.NewInput().Title("Training images 0").Value(&req.TrainImages[0]).Validate(required("training images 0")),
			huh.NewInput().Title("Training images 1").Value(&req.TrainImages[1]).Validate(required("training images 1")),
			huh.NewInput().Title("Training labels").Description("Optional").Value(&req.TrainLabels),
		).Title("Training"),

		huh.NewGroup(
			huh.NewInput().Title("Validation images 0").Description("Optional").Value(&req.ValImages[0]),
			huh.NewInput().Title("Validation images 1").Value(&req.ValImages[1]),
			huh.NewInput().Title("Validation labels").Description("Optional").Value(&req.ValLabels),
		).Title("Validation"),

		huh.NewGroup(
			huh.NewInput().Title("Mean file 0").Description("Optional").Value(&req.MeanFiles[0]),
			huh.NewInput().Title("Mean file 1").Description("Optional").Value(&req.MeanFiles[1]),
		).Title("Prebuilt mean files"),

		huh.NewGroup(
			huh.NewConfirm().Title("Force same shape?").Value(&req.ForceSameShape),
		),
	)
}
