package deploy

import (
	"net/http"
	"time"

	"github.com/example/deployer/internal/runner"
)

// Response is the aggregated deployment envelope returned to the caller.
// OK is the conjunction of every attempted step; steps never attempted are
// simply absent.
type Response struct {
	OK         bool                `json:"ok"`
	Stack      string              `json:"stack"`
	Steps      []runner.StepResult `json:"steps"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
}

// BuildResponse wraps the attempted steps with timestamps and the overall
// verdict.
func BuildResponse(stack string, steps []runner.StepResult, startedAt time.Time) Response {
	ok := true
	for _, step := range steps {
		ok = ok && step.OK
	}
	return Response{
		OK:         ok,
		Stack:      stack,
		Steps:      steps,
		StartedAt:  startedAt,
		FinishedAt: time.Now().UTC(),
	}
}

// HTTPStatus maps the verdict to the response status code.
func (r Response) HTTPStatus() int {
	if r.OK {
		return http.StatusOK
	}
	return http.StatusInternalServerError
}
