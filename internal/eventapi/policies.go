package eventapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/linnemanlabs/hush/internal/triage"
)

type policyRequest struct {
	Operation string `json:"operation"`
	Target    string `json:"target"`
	Value     string `json:"value"`
}

func (a *API) handleGetPolicies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Policies())
}

func (a *API) handleApplyPolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	op, err := triage.ParsePolicyOp(req.Operation)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":            err.Error(),
			"valid_operations": triage.PolicyOpNames(),
		})
		return
	}

	res, err := a.svc.ApplyPolicy(r.Context(), triage.PolicyCommand{Op: op, Target: req.Target, Value: req.Value})
	if err != nil {
		if errors.Is(err, triage.ErrUnknownOperation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.fail(w, r, err, "policy operation failed")
		return
	}

	a.logger.Info(r.Context(), "policy operation applied",
		"operation", res.Operation,
		"target", res.Target,
		"found", res.Found,
	)
	writeJSON(w, http.StatusOK, res)
}
