package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/andreyvit/tabkv"
)

type Response struct {
	ID      int    `json:"id,omitempty"`
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func NewErrorResponse(status int, msg string) Response {
	return Response{Message: msg, Status: status}
}

func NewResponse(status int, message string, data any) Response {
	return Response{Data: data, Message: message, Status: status}
}

// ErrorStatus maps an engine error onto an HTTP-style status code.
func ErrorStatus(err error) int {
	switch {
	case errors.Is(err, tabkv.ErrTableNotFound), errors.Is(err, tabkv.ErrRowNotFound):
		return http.StatusNotFound
	case errors.Is(err, tabkv.ErrTableExists):
		return http.StatusConflict
	case errors.Is(err, tabkv.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorResponse(err error) Response {
	return NewErrorResponse(ErrorStatus(err), err.Error())
}

func decode(raw []byte, req any) *Response {
	if err := json.Unmarshal(raw, req); err != nil {
		res := NewErrorResponse(http.StatusBadRequest, err.Error())
		return &res
	}
	return nil
}

type tableRequest struct {
	TenantID string `json:"tenantId"`
	TableID  string `json:"tableId"`
}

type InsertRowRequest struct {
	tableRequest
	RowID string          `json:"rowId"`
	Data  json.RawMessage `json:"data"`
}

func InsertRowHandler(ctx context.Context, db *tabkv.DB, raw []byte) Response {
	var req InsertRowRequest
	if res := decode(raw, &req); res != nil {
		return *res
	}
	rowID, err := db.InsertJSON(ctx, req.TenantID, req.TableID, req.RowID, req.Data)
	if err != nil {
		return errorResponse(err)
	}
	return NewResponse(http.StatusCreated, fmt.Sprintf("Inserted row into table %s", req.TableID), map[string]string{"rowId": rowID})
}

type RowRequest struct {
	tableRequest
	RowID string `json:"rowId"`
}

func GetRowHandler(ctx context.Context, db *tabkv.DB, raw []byte) Response {
	var req RowRequest
	if res := decode(raw, &req); res != nil {
		return *res
	}
	row, err := db.GetRow(ctx, req.TenantID, req.TableID, req.RowID)
	if err != nil {
		return errorResponse(err)
	}
	return NewResponse(http.StatusOK, "", row)
}

func DeleteRowHandler(ctx context.Context, db *tabkv.DB, raw []byte) Response {
	var req RowRequest
	if res := decode(raw, &req); res != nil {
		return *res
	}
	if err := db.DeleteRow(ctx, req.TenantID, req.TableID, req.RowID); err != nil {
		return errorResponse(err)
	}
	return NewResponse(http.StatusOK, fmt.Sprintf("Deleted row %s from table %s", req.RowID, req.TableID), map[string]bool{"deleted": true})
}

func ScanRowsHandler(ctx context.Context, db *tabkv.DB, raw []byte) Response {
	var req tabkv.ScanRequest
	if res := decode(raw, &req); res != nil {
		return *res
	}
	result, err := db.ScanRows(ctx, req)
	if err != nil {
		return errorResponse(err)
	}
	return NewResponse(http.StatusOK, fmt.Sprintf("Found %d rows", len(result.Rows)), result)
}

func ScanByIndexPrefixHandler(ctx context.Context, db *tabkv.DB, raw []byte) Response {
	var req tabkv.IndexScanRequest
	if res := decode(raw, &req); res != nil {
		return *res
	}
	result, err := db.ScanByIndexPrefix(ctx, req)
	if err != nil {
		return errorResponse(err)
	}
	return NewResponse(http.StatusOK, fmt.Sprintf("Found %d rows", len(result.RowIDs)), result)
}

type DescribeTableRequest struct {
	tableRequest
	WithStats bool `json:"withStats"`
}

func DescribeTableHandler(ctx context.Context, db *tabkv.DB, raw []byte) Response {
	var req DescribeTableRequest
	if res := decode(raw, &req); res != nil {
		return *res
	}
	desc, err := db.DescribeTable(ctx, req.TenantID, req.TableID, req.WithStats)
	if err != nil {
		return errorResponse(err)
	}
	return NewResponse(http.StatusOK, "", desc)
}

type JoinRowsRequest struct {
	Left  []tabkv.Row    `json:"left"`
	Right []tabkv.Row    `json:"right"`
	On    tabkv.JoinOn   `json:"on"`
	How   tabkv.JoinType `json:"how"`
}

func JoinRowsHandler(ctx context.Context, db *tabkv.DB, raw []byte) Response {
	var req JoinRowsRequest
	if res := decode(raw, &req); res != nil {
		return *res
	}
	rows, err := tabkv.JoinRows(req.Left, req.Right, req.On, req.How)
	if err != nil {
		return errorResponse(err)
	}
	return NewResponse(http.StatusOK, fmt.Sprintf("Joined %d rows", len(rows)), rows)
}

type CreateTableRequest struct {
	tableRequest
	Meta tabkv.TableMetadata `json:"meta"`
}

func CreateTableHandler(ctx context.Context, db *tabkv.DB, raw []byte) Response {
	var req CreateTableRequest
	if res := decode(raw, &req); res != nil {
		return *res
	}
	meta, err := db.CreateTable(ctx, req.TenantID, req.TableID, req.Meta)
	if err != nil {
		return errorResponse(err)
	}
	return NewResponse(http.StatusCreated, fmt.Sprintf("Created table %s", req.TableID), meta)
}

func DropTableHandler(ctx context.Context, db *tabkv.DB, raw []byte) Response {
	var req tableRequest
	if res := decode(raw, &req); res != nil {
		return *res
	}
	if err := db.DropTable(ctx, req.TenantID, req.TableID); err != nil {
		return errorResponse(err)
	}
	return NewResponse(http.StatusOK, fmt.Sprintf("Dropped table %s", req.TableID), map[string]bool{"dropped": true})
}

func ListTablesHandler(ctx context.Context, db *tabkv.DB, raw []byte) Response {
	var req tableRequest
	if res := decode(raw, &req); res != nil {
		return *res
	}
	tables, err := db.ListTables(ctx, req.TenantID)
	if err != nil {
		return errorResponse(err)
	}
	if tables == nil {
		tables = []*tabkv.TableMetadata{}
	}
	return NewResponse(http.StatusOK, fmt.Sprintf("Found %d tables", len(tables)), tables)
}

type ReindexRequest struct {
	tableRequest
	IndexName string `json:"indexName"`
}

func ReindexHandler(ctx context.Context, db *tabkv.DB, raw []byte) Response {
	var req ReindexRequest
	if res := decode(raw, &req); res != nil {
		return *res
	}
	n, err := db.Reindex(ctx, req.TenantID, req.TableID, req.IndexName)
	if err != nil {
		return errorResponse(err)
	}
	return NewResponse(http.StatusOK, fmt.Sprintf("Rebuilt %d index entries", n), map[string]int{"entries": n})
}

type handlerFunc func(ctx context.Context, db *tabkv.DB, raw []byte) Response

var handlers = map[RequestAction]handlerFunc{
	RequestActionInsertRow:         InsertRowHandler,
	RequestActionGetRow:            GetRowHandler,
	RequestActionDeleteRow:         DeleteRowHandler,
	RequestActionScanRows:          ScanRowsHandler,
	RequestActionScanByIndexPrefix: ScanByIndexPrefixHandler,
	RequestActionJoinRows:          JoinRowsHandler,
	RequestActionDescribeTable:     DescribeTableHandler,
	RequestActionCreateTable:       CreateTableHandler,
	RequestActionDropTable:         DropTableHandler,
	RequestActionListTables:        ListTablesHandler,
	RequestActionReindex:           ReindexHandler,
}

func ActionHandler(ctx context.Context, db *tabkv.DB, action RequestAction, raw []byte) Response {
	h := handlers[action]
	if h == nil {
		return NewErrorResponse(http.StatusBadRequest, fmt.Sprintf("Invalid action %q", action))
	}
	return h(ctx, db, raw)
}
