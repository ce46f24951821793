package server

import (
	"context"
	"net/http"
	"sort"

	"github.com/danielgtaylor/huma/v2"

	"closeline/internal/engine"
)

func registerConditions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-condition",
		Method:        http.MethodPost,
		Path:          "/transactions/{transaction_id}/conditions",
		Summary:       "Create condition",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TransactionID string                 `path:"transaction_id"`
		Body          CreateConditionRequest `json:"body"`
	}) (*struct {
		Body ConditionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cond, err := e.CreateCondition(ctx, engine.ConditionCreateOptions{
			TransactionID: input.TransactionID,
			StepID:        stringOrEmpty(input.Body.StepID),
			StepSlug:      stringOrEmpty(input.Body.StepSlug),
			Title:         input.Body.Title,
			TitleFR:       stringOrEmpty(input.Body.TitleFR),
			Level:         input.Body.Level,
			Type:          stringOrEmpty(input.Body.Type),
			DueDate:       input.Body.DueDate,
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConditionResponse `json:"body"`
		}{Body: conditionResponse(cond)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-conditions",
		Method:      http.MethodGet,
		Path:        "/transactions/{transaction_id}/conditions",
		Summary:     "List conditions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TransactionID   string `path:"transaction_id"`
		IncludeArchived bool   `query:"include_archived"`
	}) (*struct {
		Body []ConditionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListConditions(ctx, input.TransactionID, actorID, input.IncludeArchived)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ConditionResponse `json:"body"`
		}{Body: mapConditions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "active-conditions",
		Method:      http.MethodGet,
		Path:        "/transactions/{transaction_id}/conditions/active",
		Summary:     "Pending conditions on the active step",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TransactionID string `path:"transaction_id"`
	}) (*struct {
		Body []ConditionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ActiveConditions(ctx, input.TransactionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ConditionResponse `json:"body"`
		}{Body: mapConditions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "conditions-by-step",
		Method:      http.MethodGet,
		Path:        "/transactions/{transaction_id}/conditions/by-step",
		Summary:     "Conditions grouped by step order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TransactionID string `path:"transaction_id"`
	}) (*struct {
		Body []StepConditionsResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		grouped, err := e.ConditionsGroupedByStep(ctx, input.TransactionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		orders := make([]int, 0, len(grouped))
		for order := range grouped {
			orders = append(orders, order)
		}
		sort.Ints(orders)
		res := make([]StepConditionsResponse, 0, len(orders))
		for _, order := range orders {
			res = append(res, StepConditionsResponse{
				StepOrder:  order,
				Conditions: mapConditions(grouped[order]),
			})
		}
		return &struct {
			Body []StepConditionsResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-condition",
		Method:      http.MethodGet,
		Path:        "/transactions/{transaction_id}/conditions/{condition_id}",
		Summary:     "Get condition with evidence",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TransactionID string `path:"transaction_id"`
		ConditionID   string `path:"condition_id"`
	}) (*struct {
		Body ConditionDetailResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cond, evidence, err := e.GetConditionDetail(ctx, input.TransactionID, input.ConditionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := ConditionDetailResponse{
			Condition: conditionResponse(cond),
			Evidence:  make([]EvidenceResponse, 0, len(evidence)),
		}
		for _, ev := range evidence {
			out.Evidence = append(out.Evidence, evidenceResponse(ev))
		}
		return &struct {
			Body ConditionDetailResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-condition",
		Method:      http.MethodPatch,
		Path:        "/transactions/{transaction_id}/conditions/{condition_id}",
		Summary:     "Update condition",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TransactionID string                 `path:"transaction_id"`
		ConditionID   string                 `path:"condition_id"`
		Body          UpdateConditionRequest `json:"body"`
	}) (*struct {
		Body ConditionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cond, err := e.UpdateCondition(ctx, input.TransactionID, input.ConditionID, engine.ConditionUpdateOptions{
			Title:    input.Body.Title,
			TitleFR:  input.Body.TitleFR,
			Level:    input.Body.Level,
			DueDate:  input.Body.DueDate,
			ClearDue: input.Body.ClearDue,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConditionResponse `json:"body"`
		}{Body: conditionResponse(cond)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-condition",
		Method:      http.MethodDelete,
		Path:        "/transactions/{transaction_id}/conditions/{condition_id}",
		Summary:     "Delete condition",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TransactionID string `path:"transaction_id"`
		ConditionID   string `path:"condition_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteCondition(ctx, input.TransactionID, input.ConditionID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-condition",
		Method:      http.MethodPost,
		Path:        "/transactions/{transaction_id}/conditions/{condition_id}/resolve",
		Summary:     "Resolve condition",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TransactionID string                  `path:"transaction_id"`
		ConditionID   string                  `path:"condition_id"`
		Body          ResolveConditionRequest `json:"body"`
	}) (*struct {
		Body ConditionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cond, err := e.ResolveCondition(ctx, input.TransactionID, input.ConditionID, input.Body.ResolutionType, actorID, engine.ResolveOptions{
			Note:                stringOrEmpty(input.Body.Note),
			EscapedWithoutProof: input.Body.EscapedWithoutProof,
			EscapeReason:        stringOrEmpty(input.Body.EscapeReason),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConditionResponse `json:"body"`
		}{Body: conditionResponse(cond)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "condition-history",
		Method:      http.MethodGet,
		Path:        "/transactions/{transaction_id}/conditions/{condition_id}/history",
		Summary:     "Condition audit trail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TransactionID string `path:"transaction_id"`
		ConditionID   string `path:"condition_id"`
	}) (*struct {
		Body []ConditionEventResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ConditionHistory(ctx, input.TransactionID, input.ConditionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ConditionEventResponse, 0, len(items))
		for _, evt := range items {
			res = append(res, conditionEventResponse(evt))
		}
		return &struct {
			Body []ConditionEventResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-evidence",
		Method:        http.MethodPost,
		Path:          "/transactions/{transaction_id}/conditions/{condition_id}/evidence",
		Summary:       "Attach evidence",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TransactionID string             `path:"transaction_id"`
		ConditionID   string             `path:"condition_id"`
		Body          AddEvidenceRequest `json:"body"`
	}) (*struct {
		Body EvidenceResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := e.AddEvidence(ctx, input.TransactionID, input.ConditionID, engine.EvidenceOptions{
			Kind:  input.Body.Kind,
			Title: stringOrEmpty(input.Body.Title),
			URL:   stringOrEmpty(input.Body.URL),
			Note:  stringOrEmpty(input.Body.Note),
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EvidenceResponse `json:"body"`
		}{Body: evidenceResponse(ev)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-evidence",
		Method:      http.MethodDelete,
		Path:        "/transactions/{transaction_id}/conditions/{condition_id}/evidence/{evidence_id}",
		Summary:     "Remove evidence",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TransactionID string `path:"transaction_id"`
		ConditionID   string `path:"condition_id"`
		EvidenceID    string `path:"evidence_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RemoveEvidence(ctx, input.TransactionID, input.ConditionID, input.EvidenceID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
