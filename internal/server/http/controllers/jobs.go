package controllers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/rzbill/ice/internal/ice"
	"github.com/rzbill/ice/internal/runtime"
)

// JobsController exposes the queue facade over JSON.
type JobsController struct {
	rt *runtime.Runtime
}

// NewJobsController creates a new jobs controller.
func NewJobsController(rt *runtime.Runtime) *JobsController {
	return &JobsController{rt: rt}
}

// RegisterRoutes registers job routes with the given router.
func (c *JobsController) RegisterRoutes(r chi.Router) {
	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", c.handleAdd)
		r.Get("/", c.handleList)
		r.Post("/bulk", c.handleBulkAdd)
		r.Post("/finish", c.handleFinish)
		r.Post("/delete", c.handleDelete)
		r.Get("/{id}", c.handleGet)
		r.Delete("/{id}", c.handleDeleteOne)
	})
	r.Post("/v1/topics/{topic}/pop", c.handlePop)
}

func (c *JobsController) q() *ice.Ice { return c.rt.Ice() }

// handleAdd adds a single job.
// POST /v1/jobs
func (c *JobsController) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req addReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	j := req.job()
	if err := c.q().AddJobs(r.Context(), j); err != nil {
		writeIceError(w, err)
		return
	}
	writeCreated(w, j)
}

// handleBulkAdd adds every job or none.
// POST /v1/jobs/bulk
func (c *JobsController) handleBulkAdd(w http.ResponseWriter, r *http.Request) {
	var req bulkAddReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Jobs) == 0 {
		writeError(w, http.StatusBadRequest, "jobs must not be empty")
		return
	}
	jobs := make([]*ice.Job, len(req.Jobs))
	for i, a := range req.Jobs {
		jobs[i] = a.job()
	}
	if err := c.q().AddJobs(r.Context(), jobs...); err != nil {
		writeIceError(w, err)
		return
	}
	writeCreated(w, jobsResp{Jobs: jobs})
}

// handleList lists jobs matching a CEL filter.
// GET /v1/jobs?filter=<expr>&limit=<n>
func (c *JobsController) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	jobs, err := c.q().List(r.Context(), q.Get("filter"), parseLimit(q.Get("limit")))
	if err != nil {
		writeIceError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*ice.Job{}
	}
	writeJSON(w, jobsResp{Jobs: jobs})
}

// handleGet returns one job.
// GET /v1/jobs/{id}
func (c *JobsController) handleGet(w http.ResponseWriter, r *http.Request) {
	j, err := c.q().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeIceError(w, err)
		return
	}
	if j == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, j)
}

// handleDeleteOne deletes one job; unknown ids are not an error.
// DELETE /v1/jobs/{id}
func (c *JobsController) handleDeleteOne(w http.ResponseWriter, r *http.Request) {
	if err := c.q().Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeIceError(w, err)
		return
	}
	writeNoContent(w)
}

// handleFinish acknowledges reserved jobs.
// POST /v1/jobs/finish
func (c *JobsController) handleFinish(w http.ResponseWriter, r *http.Request) {
	var req idsReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := c.q().Finish(r.Context(), req.IDs...); err != nil {
		writeIceError(w, err)
		return
	}
	writeNoContent(w)
}

// handleDelete removes jobs in any state.
// POST /v1/jobs/delete
func (c *JobsController) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req idsReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := c.q().Delete(r.Context(), req.IDs...); err != nil {
		writeIceError(w, err)
		return
	}
	writeNoContent(w)
}

// handlePop reserves up to count jobs from a topic. A single pop returns
// the job itself; count > 1 returns {"jobs": [...]}. Nothing ready is 204.
// POST /v1/topics/{topic}/pop?count=<n>
func (c *JobsController) handlePop(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	count := 1
	if s := r.URL.Query().Get("count"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "count must be a positive integer")
			return
		}
		count = n
	}

	if count == 1 {
		j, err := c.q().Pop(r.Context(), topic)
		if err != nil {
			writeIceError(w, err)
			return
		}
		if j == nil {
			writeNoContent(w)
			return
		}
		writeJSON(w, j)
		return
	}

	jobs, err := c.q().PopN(r.Context(), topic, count)
	if err != nil && len(jobs) == 0 {
		writeIceError(w, err)
		return
	}
	if len(jobs) == 0 {
		writeNoContent(w)
		return
	}
	// a partial batch is still delivered; the consumer owns those jobs now
	writeJSON(w, jobsResp{Jobs: jobs})
}
