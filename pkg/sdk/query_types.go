package sdk

import (
	"strings"
	"time"
)

// DefaultPort is the MySQL port the connect form starts from.
const DefaultPort = 3306

// HostSpec holds the coordinates of the database to connect to. It is sent
// once to the server and never persisted by the client.
type HostSpec struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
}

// Normalize trims whitespace from the textual fields. No other validation is
// applied; the server is the authority on what it accepts.
func (h HostSpec) Normalize() HostSpec {
	return HostSpec{
		Host:     strings.TrimSpace(h.Host),
		Port:     h.Port,
		User:     strings.TrimSpace(h.User),
		Password: strings.TrimSpace(h.Password),
		Database: strings.TrimSpace(h.Database),
	}
}

// Row maps column names to values. A value may be missing or nil, both of
// which mean the database returned NULL.
type Row map[string]any

// Value returns the value for col and whether it is present (non-NULL).
func (r Row) Value(col string) (any, bool) {
	v, ok := r[col]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// QueryResult is the outcome of one ask round trip.
type QueryResult struct {
	SQL             string
	ColumnNames     []string
	Rows            []Row
	ExecutionTimeMS float64
}

// ExecutionTime returns the server-reported execution duration.
func (r *QueryResult) ExecutionTime() time.Duration {
	return time.Duration(r.ExecutionTimeMS * float64(time.Millisecond))
}

// RowCount returns the number of rows in the result.
func (r *QueryResult) RowCount() int {
	return len(r.Rows)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type connectResponse struct {
	Status  string `json:"status"`
	DBToken string `json:"db_token"`
}

type askRequest struct {
	DBToken string `json:"db_token"`
	Prompt  string `json:"prompt"`
}

type askResponse struct {
	SQL             string           `json:"sql"`
	ColumnNames     []string         `json:"column_names"`
	Results         []map[string]any `json:"results"`
	ExecutionTimeMS float64          `json:"execution_time_ms"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func (r *askResponse) toResult() *QueryResult {
	rows := make([]Row, 0, len(r.Results))
	for _, result := range r.Results {
		rows = append(rows, Row(result))
	}
	return &QueryResult{
		SQL:             r.SQL,
		ColumnNames:     r.ColumnNames,
		Rows:            rows,
		ExecutionTimeMS: r.ExecutionTimeMS,
	}
}
