package pulp

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Task is a backend task resource.
type Task struct {
	PulpHref         string                 `json:"pulp_href"`
	Name             string                 `json:"name"`
	State            string                 `json:"state"`
	CreatedResources []string               `json:"created_resources"`
	Error            map[string]interface{} `json:"error"`
}

// ErrTaskStuckWaiting is returned when a backend task never leaves the
// waiting state within the monitor's budget.
type ErrTaskStuckWaiting struct {
	Href         string
	PollInterval time.Duration
	WaitCount    int
}

func (e *ErrTaskStuckWaiting) Error() string {
	return fmt.Sprintf("task %s failed to enter running state. Poll interval: %s, wait count: %d",
		e.Href, e.PollInterval, e.WaitCount)
}

// ErrTaskFailed is returned when a backend task ends in the failed state.
type ErrTaskFailed struct {
	Href    string
	Details map[string]interface{}
}

func (e *ErrTaskFailed) Error() string {
	var sb strings.Builder
	for key, value := range e.Details {
		fmt.Fprintf(&sb, "%s: %v", key, value)
	}
	return fmt.Sprintf("task %s failed with errors: %s", e.Href, sb.String())
}

func validateTaskHref(href string) error {
	if !strings.Contains(href, "tasks") {
		return fmt.Errorf("href %s is not valid for a task", href)
	}
	return nil
}

// GetTask returns the backend task at href.
func GetTask(ctx context.Context, c *Client, href string) (*Task, error) {
	if err := validateTaskHref(href); err != nil {
		return nil, err
	}
	result, err := c.Get(ctx, href, nil)
	if err != nil {
		return nil, err
	}
	return decodeAs[Task](result)
}

// CancelTask asks the backend to cancel the task at href.
func CancelTask(ctx context.Context, c *Client, href string) (*Task, error) {
	if err := validateTaskHref(href); err != nil {
		return nil, err
	}
	result, err := c.Patch(ctx, href, map[string]interface{}{"state": "canceled"})
	if err != nil {
		return nil, err
	}
	return decodeAs[Task](result)
}

// MonitorTask polls the task at href until it leaves running/waiting.
// Polls spent waiting count against maxWaitCount; exceeding it returns
// ErrTaskStuckWaiting. A failed task returns ErrTaskFailed unless
// errorOnFail is false, in which case the failed task is handed back.
func MonitorTask(ctx context.Context, c *Client, href string, pollInterval time.Duration,
	maxWaitCount int, errorOnFail bool) (*Task, error) {

	task, err := GetTask(ctx, c, href)
	if err != nil {
		return nil, err
	}

	waitCount := 0
	for task.State == "running" || task.State == "waiting" {
		if task.State == "waiting" {
			waitCount++
		}
		if waitCount == maxWaitCount {
			return nil, &ErrTaskStuckWaiting{Href: href, PollInterval: pollInterval, WaitCount: maxWaitCount}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}

		task, err = GetTask(ctx, c, href)
		if err != nil {
			return nil, err
		}
	}

	if task.State == "failed" && errorOnFail {
		return nil, &ErrTaskFailed{Href: href, Details: task.Error}
	}
	return task, nil
}

// DeleteByHrefMonitor deletes the resource at href and waits for the
// backend deletion task to finish.
func DeleteByHrefMonitor(ctx context.Context, c *Client, href string,
	pollInterval time.Duration, maxWaitCount int) (*Task, error) {

	result, err := c.Delete(ctx, href)
	if err != nil {
		return nil, err
	}
	spawned, err := taskHref(result)
	if err != nil {
		return nil, err
	}
	return MonitorTask(ctx, c, spawned, pollInterval, maxWaitCount, true)
}
