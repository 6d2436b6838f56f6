package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lanyardhq/lanyard/internal/document"
	"github.com/lanyardhq/lanyard/internal/problem"
	"github.com/lanyardhq/lanyard/internal/request"
	"github.com/lanyardhq/lanyard/internal/runner"
	"github.com/lanyardhq/lanyard/internal/staging"
	"github.com/lanyardhq/lanyard/internal/transaction"
	"github.com/lanyardhq/lanyard/internal/uds"
)

// GetParams reads a field (or the whole document when Field is empty)
// from a scope's committed state.
type GetParams struct {
	Scope string `json:"scope"`
	Field string `json:"field,omitempty"`
}

type GetResult struct {
	Value any  `json:"value"`
	Found bool `json:"found"`
}

// EditParams describes a field mutation. Zero-value settings fields fall
// back to the daemon's configured defaults.
type EditParams struct {
	Scope       string   `json:"scope"`
	Field       string   `json:"field"`
	Value       any      `json:"value,omitempty"`
	Description string   `json:"description,omitempty"`
	Artifacts   []string `json:"artifacts,omitempty"`

	Severity       string `json:"severity,omitempty"`
	Validate       *bool  `json:"validate,omitempty"`
	BlockInclusive *bool  `json:"block_inclusive,omitempty"`

	// Wait blocks the response until the task completes.
	Wait       bool `json:"wait,omitempty"`
	TimeoutSec int  `json:"timeout_sec,omitempty"`
}

type SubmitResult struct {
	TaskID string `json:"task_id"`
}

type TaskParams struct {
	TaskID     string `json:"task_id"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`
}

type ProblemDetail struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Location string `json:"location,omitempty"`
}

// TaskResult is the wire form of a task snapshot.
type TaskResult struct {
	TaskID      string          `json:"task_id"`
	Description string          `json:"description,omitempty"`
	Scope       string          `json:"scope"`
	Status      string          `json:"status"`
	Disposition string          `json:"disposition,omitempty"`
	Rejected    bool            `json:"rejected,omitempty"`
	Problems    []ProblemDetail `json:"problems,omitempty"`
	Error       string          `json:"error,omitempty"`
	RevertError string          `json:"revert_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

type ListResult struct {
	Tasks []TaskResult `json:"tasks"`
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CmdPing, func(*uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	d.server.Handle(uds.CmdShutdown, func(*uds.Request) *uds.Response {
		d.log(LogLevelInfo, "shutdown requested via socket")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})

	d.server.Handle(uds.CmdConfigGet, d.handleGet)
	d.server.Handle(uds.CmdConfigSet, d.handleSet)
	d.server.Handle(uds.CmdConfigDel, d.handleDelete)
	d.server.Handle(uds.CmdTaskGet, d.handleTaskGet)
	d.server.Handle(uds.CmdTaskAwait, d.handleTaskAwait)
	d.server.Handle(uds.CmdTaskCancel, d.handleTaskCancel)
	d.server.Handle(uds.CmdTaskList, d.handleTaskList)
}

func (d *Daemon) handleGet(req *uds.Request) *uds.Response {
	var params GetParams
	if err := uds.DecodeParams(req, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if params.Scope == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "scope is required")
	}

	result, _, err := request.Get(d.ctx, d.defaults, func(context.Context) (GetResult, error) {
		doc, err := d.store.Committed(params.Scope)
		if err != nil {
			return GetResult{}, err
		}
		if params.Field == "" {
			return GetResult{Value: map[string]any(doc), Found: len(doc) > 0}, nil
		}
		value, found := doc.GetField(params.Field)
		return GetResult{Value: value, Found: found}, nil
	}, nil)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(result)
}

func (d *Daemon) handleSet(req *uds.Request) *uds.Response {
	var params EditParams
	if err := uds.DecodeParams(req, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	return d.submitEdit(params, "set "+params.Field, func(doc document.Document) error {
		return doc.SetField(params.Field, params.Value)
	})
}

func (d *Daemon) handleDelete(req *uds.Request) *uds.Response {
	var params EditParams
	if err := uds.DecodeParams(req, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	return d.submitEdit(params, "delete "+params.Field, func(doc document.Document) error {
		doc.DeleteField(params.Field)
		return nil
	})
}

func (d *Daemon) submitEdit(params EditParams, defaultDesc string, mutate request.Mutator) *uds.Response {
	if params.Scope == "" || params.Field == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "scope and field are required")
	}

	settings, err := d.editSettings(params)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}

	description := params.Description
	if description == "" {
		description = fmt.Sprintf("%s: %s", params.Scope, defaultDesc)
	}

	artifacts := make([]staging.Artifact, 0, len(params.Artifacts))
	for _, path := range params.Artifacts {
		artifacts = append(artifacts, staging.Path(path))
	}

	tx, err := request.Update{
		Store:       d.store,
		Area:        d.area,
		Scope:       params.Scope,
		Description: description,
		Settings:    settings,
		Mutate:      mutate,
		Artifacts:   artifacts,
	}.Build()
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}

	id, err := d.runner.Submit(tx, description)
	if err != nil {
		switch {
		case errors.Is(err, runner.ErrQueueFull):
			return uds.ErrorResponse(uds.ErrCodeQueueFull, err.Error())
		case errors.Is(err, runner.ErrClosed):
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		default:
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
	}

	if !params.Wait {
		return uds.SuccessResponse(SubmitResult{TaskID: id})
	}
	return d.awaitTask(id, params.TimeoutSec)
}

func (d *Daemon) editSettings(params EditParams) (transaction.Settings, error) {
	settings := d.defaults
	if params.Severity != "" {
		sev, err := problem.ParseSeverity(params.Severity)
		if err != nil {
			return settings, err
		}
		settings.Severity = sev
	}
	if params.Validate != nil {
		settings.Validate = *params.Validate
	}
	if params.BlockInclusive != nil {
		settings.BlockInclusive = *params.BlockInclusive
	}
	return settings, nil
}

func (d *Daemon) handleTaskGet(req *uds.Request) *uds.Response {
	var params TaskParams
	if err := uds.DecodeParams(req, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	task, err := d.runner.Get(params.TaskID)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
	}
	return uds.SuccessResponse(taskResult(task))
}

func (d *Daemon) handleTaskAwait(req *uds.Request) *uds.Response {
	var params TaskParams
	if err := uds.DecodeParams(req, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	return d.awaitTask(params.TaskID, params.TimeoutSec)
}

func (d *Daemon) awaitTask(id string, timeoutSec int) *uds.Response {
	timeout := time.Duration(timeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	task, err := d.runner.Await(id, timeout)
	switch {
	case errors.Is(err, runner.ErrAwaitTimeout):
		return uds.ErrorResponse(uds.ErrCodeTimeout, err.Error())
	case errors.Is(err, runner.ErrUnknownTask):
		return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
	case err != nil:
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(taskResult(task))
}

func (d *Daemon) handleTaskCancel(req *uds.Request) *uds.Response {
	var params TaskParams
	if err := uds.DecodeParams(req, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if err := d.runner.Cancel(params.TaskID); err != nil {
		return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
	}
	return uds.SuccessResponse(map[string]string{"status": "cancel_requested"})
}

func (d *Daemon) handleTaskList(req *uds.Request) *uds.Response {
	tasks := d.runner.List()
	result := ListResult{Tasks: make([]TaskResult, 0, len(tasks))}
	for _, task := range tasks {
		result.Tasks = append(result.Tasks, taskResult(task))
	}
	return uds.SuccessResponse(result)
}

func taskResult(task runner.Task) TaskResult {
	result := TaskResult{
		TaskID:      task.ID,
		Description: task.Description,
		Scope:       task.Scope,
		Status:      string(task.Status),
		CreatedAt:   task.CreatedAt,
	}
	if !task.CompletedAt.IsZero() {
		completed := task.CompletedAt
		result.CompletedAt = &completed
	}
	if out := task.Outcome; out != nil {
		result.Disposition = string(out.Disposition)
		result.Rejected = out.Rejected
		for _, p := range out.Report.Problems {
			result.Problems = append(result.Problems, ProblemDetail{
				Severity: string(p.Severity),
				Message:  p.Message,
				Location: p.Location,
			})
		}
		if out.Err != nil {
			result.Error = out.Err.Error()
		}
		if out.RevertErr != nil {
			result.RevertError = out.RevertErr.Error()
		}
	}
	return result
}
