package records

import "github.com/caltaylor/dirwatch/internal/server/statestore"

type RecordsRequest struct {
	Path    string `form:"path"`
	Pattern string `form:"pattern"`
}

type RecordsResponse struct {
	Records []statestore.Record `json:"records"`
	Count   int                 `json:"count"`
}

type ChangesRequest struct {
	Since int64 `form:"since" binding:"min=0"`
	Limit int   `form:"limit" binding:"min=0,max=1000"`
}

type ChangesResponse struct {
	Changes []statestore.Change `json:"changes"`
	Next    int64               `json:"next"` // pass as `since` for the following page
}
