//go:build integration
// +build integration

package clickhouse

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"testing"
	"time"

	_ "github.com/ClickHouse/clickhouse-go"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vench/pivotview"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	setupNameDB     = "test_db"
	setupUserDB     = "default"
	setupPasswordDB = ""

	setupHostDB string
	setupPortDB nat.Port
)

func setupClickHouse(ctx context.Context) (testcontainers.Container, error) {
	req := testcontainers.ContainerRequest{
		Image: "clickhouse/clickhouse-server",
		Env: map[string]string{
			"CLICKHOUSE_DB":       setupNameDB,
			"CLICKHOUSE_USER":     setupUserDB,
			"CLICKHOUSE_PASSWORD": setupPasswordDB,
		},
		ExposedPorts: []string{
			"8123/tcp",
			"9000/tcp",
		},
		WaitingFor: wait.ForAll(
			wait.ForHTTP("/ping").WithPort("8123/tcp").WithStatusCodeMatcher(
				func(status int) bool {
					return status == http.StatusOK
				},
			),
		),
	}

	chContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generic container: %w", err)
	}

	setupHostDB, err = chContainer.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get host: %w", err)
	}

	setupPortDB, err = chContainer.MappedPort(ctx, "9000/tcp")
	if err != nil {
		return nil, fmt.Errorf("failed to get port: %w", err)
	}

	return chContainer, nil
}

func TestMain(m *testing.M) {
	ctx := context.Background()
	cont, err := setupClickHouse(ctx)
	if err != nil {
		log.Fatalf("failed to setup clickhouse: %v", err)

		return
	}

	if err = initClickHouseDB(ctx); err != nil {
		log.Fatalf("failed to init DB clickhouse: %v", err)

		return
	}

	exitVal := m.Run()

	cont.Terminate(ctx)

	os.Exit(exitVal)
}

func dataSourceNameDB() string {
	return fmt.Sprintf(
		"tcp://%s:%d?debug=false&database=%s&username=%s&password=%s",
		setupHostDB, setupPortDB.Int(), setupNameDB, setupUserDB, setupPasswordDB)
}

func openService(t *testing.T) *pivotview.SQLService {
	t.Helper()

	conn, err := sql.Open("clickhouse", dataSourceNameDB())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, conn.Close())
	})

	service := initService(conn)
	require.NoError(t, service.Ping(context.Background()))

	return service
}

func TestClickhouse_GroupedView(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine := pivotview.NewEngine(openService(t), pivotview.WithLogger(zap.NewExample()))

	err := engine.SetQuery(ctx, pivotview.Query{
		GroupBy: []string{"ip", "event_type"},
		Values: []pivotview.Measure{
			{Field: "price", AggFunc: "sum"},
			{ID: "total", Field: "*", AggFunc: "count"},
		},
		Sort: []pivotview.SortItem{
			{ColID: "price", Direction: pivotview.SortDesc},
		},
	})
	require.NoError(t, err)

	rows := engine.Rows()
	require.Len(t, rows, 2)
	require.Equal(t, map[string]interface{}{
		"ip": "127.0.0.1", "price": uint64(6600), "total": uint64(4),
	}, rows[0].Fields)
	require.Equal(t, map[string]interface{}{
		"ip": "192.168.1.1", "price": uint64(3000), "total": uint64(2),
	}, rows[1].Fields)

	n, ok := engine.RowCount()
	require.True(t, ok)
	require.Equal(t, 2, n)

	state, err := engine.Toggle(ctx, rows[0].GroupKeys)
	require.NoError(t, err)
	require.Equal(t, pivotview.StateExpanded, state)

	rows = engine.Rows()
	require.Len(t, rows, 4)
	require.Equal(t, []interface{}{"127.0.0.1", uint32(101)}, rows[1].GroupKeys)
	require.Equal(t, uint64(5500), rows[1].Fields["price"])
	require.Equal(t, []interface{}{"127.0.0.1", uint32(102)}, rows[2].GroupKeys)
	require.True(t, rows[2].HasChildren)

	state, err = engine.Toggle(ctx, rows[2].GroupKeys)
	require.NoError(t, err)
	require.Equal(t, pivotview.StateExpanded, state)

	rows = engine.Rows()
	require.Len(t, rows, 5)
	require.Equal(t, 2, rows[3].Depth)
	require.False(t, rows[3].HasChildren)
	require.Equal(t, uint32(1100), rows[3].Fields["price"])
}

func TestClickhouse_PivotedView(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine := pivotview.NewEngine(openService(t))

	err := engine.SetQuery(ctx, pivotview.Query{
		GroupBy: []string{"ip"},
		PivotBy: []string{"event_type"},
		Values: []pivotview.Measure{
			{Field: "price", AggFunc: "sum"},
		},
	})
	require.NoError(t, err)

	columns := engine.Columns()
	headers := make([]string, 0, len(columns))
	for _, c := range columns {
		headers = append(headers, c.Header)
	}
	require.Equal(t, []string{"100", "101", "102"}, headers)

	rows := engine.Rows()
	require.Len(t, rows, 2)
	require.False(t, rows[0].HasChildren)
	require.Equal(t, []interface{}{"192.168.1.1"}, rows[0].GroupKeys)
	require.Equal(t, uint64(1000), columns[0].Children[0].Value(rows[0]))
	require.Nil(t, columns[2].Children[0].Value(rows[0]))
	require.Equal(t, uint64(5500), columns[1].Children[0].Value(rows[1]))
}

func initService(db *sql.DB) *pivotview.SQLService {
	return pivotview.NewSQLService(db, "events",
		[]*pivotview.Dimension{
			{
				Name:       "ip",
				Expression: "ip",
			},
			{
				Name:       "event_type",
				Expression: "etype",
			},
			{
				Name:       "created",
				Expression: "created",
			},
			{
				Name:       "price",
				Expression: "price",
			},
		},
	)
}

func initClickHouseDB(ctx context.Context) error {
	_ = ctx
	s := dataSourceNameDB()
	db, err := sql.Open("clickhouse", s)
	if err != nil {
		return fmt.Errorf("failed to open DB: %w", err)
	}

	if _, err = db.Exec(`DROP TABLE IF EXISTS events`); err != nil {
		return fmt.Errorf("failed to drop table `events`: %w", err)
	}

	if _, err = db.Exec(`CREATE TABLE IF NOT EXISTS events (
        eid UInt32,
        ip String,
        etype UInt32,
        price UInt32 DEFAULT 0,
        created Date
    )
    ENGINE = MergeTree()
    ORDER BY (created)`); err != nil {
		return fmt.Errorf("failed to create table `events`: %w", err)
	}

	events := []struct {
		IP      string
		etype   int
		price   int
		created time.Time
	}{
		{
			IP:      "192.168.1.1",
			etype:   100,
			price:   1000,
			created: time.Date(2022, 10, 1, 12, 0, 0, 0, time.Local),
		},
		{
			IP:      "192.168.1.1",
			etype:   101,
			price:   2000,
			created: time.Date(2022, 10, 1, 12, 0, 0, 0, time.Local),
		},
		{
			IP:      "127.0.0.1",
			etype:   101,
			price:   2000,
			created: time.Date(2022, 10, 1, 12, 0, 0, 0, time.Local),
		},
		{
			IP:      "127.0.0.1",
			etype:   101,
			price:   2000,
			created: time.Date(2022, 10, 2, 12, 0, 0, 0, time.Local),
		},
		{
			IP:      "127.0.0.1",
			etype:   101,
			price:   1500,
			created: time.Date(2022, 10, 3, 12, 0, 0, 0, time.Local),
		},
		{
			IP:      "127.0.0.1",
			etype:   102,
			price:   1100,
			created: time.Date(2022, 10, 3, 12, 0, 0, 0, time.Local),
		},
	}

	scope, err := db.Begin()
	if err != nil {
		return err
	}

	stmt, err := scope.Prepare("INSERT INTO events(ip, etype, price, created) values(?,?,?,?)")
	if err != nil {
		return fmt.Errorf("failed to prepare insert into `events`: %w", err)
	}
	defer stmt.Close()

	for i := range events {
		e := events[i]
		if _, err = stmt.Exec(e.IP, e.etype, e.price, e.created); err != nil {
			return fmt.Errorf("failed to execute query insert `events`: %w", err)
		}
	}

	if err = scope.Commit(); err != nil {
		return fmt.Errorf("failed to commit scope `events`: %w", err)
	}

	return nil
}
