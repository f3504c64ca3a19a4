package handlers

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ratchetd/ratchet/internal/repo"
)

// query-string helpers shared by the list endpoints.

func paginationFrom(ctx *gin.Context) repo.Pagination {
	var p repo.Pagination

	if v, err := strconv.Atoi(ctx.Query("page")); err == nil {
		p.Page = &v
	}
	if v, err := strconv.Atoi(ctx.Query("limit")); err == nil {
		p.Limit = &v
	}
	if v, err := strconv.Atoi(ctx.Query("offset")); err == nil {
		p.Offset = &v
	}
	return p
}

func queryString(ctx *gin.Context, name string) *string {
	if v := ctx.Query(name); v != "" {
		return &v
	}
	return nil
}

func queryBool(ctx *gin.Context, name string) *bool {
	if v := ctx.Query(name); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return &b
		}
	}
	return nil
}

func queryInt64(ctx *gin.Context, name string) *int64 {
	if v := ctx.Query(name); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			return &n
		}
	}
	return nil
}

func queryTime(ctx *gin.Context, name string) (*time.Time, bool) {
	v := ctx.Query(name)
	if v == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, false
	}
	return &t, true
}

// comma-separated list, e.g. status_in=queued,processing
func queryList(ctx *gin.Context, name string) []string {
	v := ctx.Query(name)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func queryInt64List(ctx *gin.Context, name string) []int64 {
	var out []int64
	for _, s := range queryList(ctx, name) {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			out = append(out, n)
		}
	}
	return out
}

func listResponse(items any, meta repo.ListMeta) gin.H {
	return gin.H{"items": items, "meta": meta}
}

func pathID(ctx *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		RespondBadRequest(ctx, "id must be a positive integer", nil)
		return 0, false
	}
	return id, true
}
