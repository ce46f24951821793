package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"closeline/internal/engine"
)

func registerTransactions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-transaction",
		Method:        http.MethodPost,
		Path:          "/transactions",
		Summary:       "Create transaction",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTransactionRequest `json:"body"`
	}) (*struct {
		Body TransactionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		txn, err := e.CreateTransaction(ctx, engine.TxnCreateOptions{
			ID:        stringOrEmpty(input.Body.ID),
			AgencyID:  input.Body.AgencyID,
			Kind:      input.Body.Kind,
			Reference: stringOrEmpty(input.Body.Reference),
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransactionResponse `json:"body"`
		}{Body: transactionResponse(txn)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-transactions",
		Method:      http.MethodGet,
		Path:        "/agencies/{agency_id}/transactions",
		Summary:     "List agency transactions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgencyID string `path:"agency_id"`
	}) (*struct {
		Body []TransactionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListTransactions(ctx, input.AgencyID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]TransactionResponse, 0, len(items))
		for _, t := range items {
			res = append(res, transactionResponse(t))
		}
		return &struct {
			Body []TransactionResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-transaction",
		Method:      http.MethodGet,
		Path:        "/transactions/{transaction_id}",
		Summary:     "Get transaction with steps",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TransactionID string `path:"transaction_id"`
	}) (*struct {
		Body TransactionDetailResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		txn, steps, err := e.GetTransaction(ctx, input.TransactionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := TransactionDetailResponse{
			Transaction: transactionResponse(txn),
			Steps:       make([]StepResponse, 0, len(steps)),
		}
		for _, s := range steps {
			out.Steps = append(out.Steps, stepResponse(s))
		}
		return &struct {
			Body TransactionDetailResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-transaction",
		Method:      http.MethodPost,
		Path:        "/transactions/{transaction_id}/cancel",
		Summary:     "Cancel transaction",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		TransactionID string `path:"transaction_id"`
	}) (*struct {
		Body TransactionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		txn, err := e.CancelTransaction(ctx, input.TransactionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransactionResponse `json:"body"`
		}{Body: transactionResponse(txn)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-transaction",
		Method:      http.MethodPost,
		Path:        "/transactions/{transaction_id}/archive",
		Summary:     "Archive transaction",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		TransactionID string `path:"transaction_id"`
	}) (*struct {
		Body TransactionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		txn, err := e.ArchiveTransaction(ctx, input.TransactionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransactionResponse `json:"body"`
		}{Body: transactionResponse(txn)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transaction-compliance",
		Method:      http.MethodGet,
		Path:        "/transactions/{transaction_id}/compliance",
		Summary:     "Aggregate rule compliance",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TransactionID string `path:"transaction_id"`
	}) (*struct {
		Body ComplianceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ok, err := e.IsCompliant(ctx, input.TransactionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ComplianceResponse `json:"body"`
		}{Body: ComplianceResponse{Compliant: ok}}, nil
	})
}

func registerSteps(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "advance-step",
		Method:      http.MethodPost,
		Path:        "/transactions/{transaction_id}/steps/advance",
		Summary:     "Advance to the next step",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TransactionID string `path:"transaction_id"`
	}) (*struct {
		Body TransactionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		txn, err := e.AdvanceStep(ctx, input.TransactionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransactionResponse `json:"body"`
		}{Body: transactionResponse(txn)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "skip-step",
		Method:      http.MethodPost,
		Path:        "/transactions/{transaction_id}/steps/skip",
		Summary:     "Skip the active step",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TransactionID string `path:"transaction_id"`
	}) (*struct {
		Body TransactionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		txn, err := e.SkipStep(ctx, input.TransactionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransactionResponse `json:"body"`
		}{Body: transactionResponse(txn)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "goto-step",
		Method:      http.MethodPost,
		Path:        "/transactions/{transaction_id}/steps/goto",
		Summary:     "Jump directly to a step",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		TransactionID string          `path:"transaction_id"`
		Body          GoToStepRequest `json:"body"`
	}) (*struct {
		Body TransactionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		txn, err := e.GoToStep(ctx, input.TransactionID, input.Body.StepOrder, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransactionResponse `json:"body"`
		}{Body: transactionResponse(txn)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-advancement",
		Method:      http.MethodGet,
		Path:        "/transactions/{transaction_id}/steps/check",
		Summary:     "Evaluate step gates without advancing",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TransactionID string `path:"transaction_id"`
	}) (*struct {
		Body GateReportResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		report, err := e.CheckStepAdvancement(ctx, input.TransactionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GateReportResponse `json:"body"`
		}{Body: GateReportResponse{
			CanAdvance: report.CanAdvance,
			OfferGate:  report.OfferGate,
			Blocking:   nonNilSlice(report.Blocking),
			Required:   nonNilSlice(report.Required),
		}}, nil
	})
}

func registerParties(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-party",
		Method:        http.MethodPost,
		Path:          "/transactions/{transaction_id}/parties",
		Summary:       "Add party",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		TransactionID string          `path:"transaction_id"`
		Body          AddPartyRequest `json:"body"`
	}) (*struct {
		Body PartyResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		party, err := e.AddParty(ctx, engine.PartyAddOptions{
			TransactionID: input.TransactionID,
			Role:          input.Body.Role,
			FullName:      input.Body.FullName,
			Email:         stringOrEmpty(input.Body.Email),
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PartyResponse `json:"body"`
		}{Body: partyResponse(party)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-parties",
		Method:      http.MethodGet,
		Path:        "/transactions/{transaction_id}/parties",
		Summary:     "List parties",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TransactionID string `path:"transaction_id"`
	}) (*struct {
		Body []PartyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListParties(ctx, input.TransactionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]PartyResponse, 0, len(items))
		for _, p := range items {
			res = append(res, partyResponse(p))
		}
		return &struct {
			Body []PartyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-party",
		Method:      http.MethodDelete,
		Path:        "/transactions/{transaction_id}/parties/{party_id}",
		Summary:     "Remove party",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TransactionID string `path:"transaction_id"`
		PartyID       string `path:"party_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RemoveParty(ctx, input.TransactionID, input.PartyID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-identity-verified",
		Method:      http.MethodPost,
		Path:        "/transactions/{transaction_id}/parties/{party_id}/identity/verify",
		Summary:     "Record a passed identity check",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		TransactionID string              `path:"transaction_id"`
		PartyID       string              `path:"party_id"`
		Body          MarkVerifiedRequest `json:"body"`
	}) (*struct{}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.MarkIdentityVerified(ctx, input.TransactionID, input.PartyID, input.Body.Method, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerOffers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-offer",
		Method:        http.MethodPost,
		Path:          "/transactions/{transaction_id}/offers",
		Summary:       "Submit offer",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		TransactionID string             `path:"transaction_id"`
		Body          SubmitOfferRequest `json:"body"`
	}) (*struct {
		Body OfferResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		offer, err := e.SubmitOffer(ctx, input.TransactionID, input.Body.Amount, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OfferResponse `json:"body"`
		}{Body: OfferResponse{
			ID:        offer.ID,
			Status:    offer.Status,
			Amount:    offer.Amount,
			CreatedAt: offer.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-offer",
		Method:      http.MethodPost,
		Path:        "/transactions/{transaction_id}/offers/{offer_id}/decision",
		Summary:     "Accept, reject, or expire an offer",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		TransactionID string               `path:"transaction_id"`
		OfferID       string               `path:"offer_id"`
		Body          OfferDecisionRequest `json:"body"`
	}) (*struct{}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.SetOfferStatus(ctx, input.TransactionID, input.OfferID, input.Body.Status, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerActivity(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/transactions/{transaction_id}/events",
		Summary:     "List recent activity",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TransactionID string `path:"transaction_id"`
		Limit         int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ActivityFeed(ctx, input.TransactionID, actorID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			res = append(res, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: res}, nil
	})
}
