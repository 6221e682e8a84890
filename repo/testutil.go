package repo

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/genesis/db"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	globalDB     db.DB
	globalDBOnce sync.Once

	globalPostgresConn connector.PostgreSQLConnector
	globalDBInitErr    error

	postgresContainer testcontainers.Container
	postgresOnce      sync.Once
	postgresStartErr  error
)

func startPostgresContainer() (string, int, error) {
	postgresOnce.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				postgresStartErr = fmt.Errorf("启动 PostgreSQL Testcontainer panic: %v", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		req := testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_DB":       "towline_test",
				"POSTGRES_USER":     "towline",
				"POSTGRES_PASSWORD": "towline123",
			},
			WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(90 * time.Second),
		}

		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		if err != nil {
			postgresStartErr = fmt.Errorf("启动 PostgreSQL Testcontainer 失败: %w", err)
			return
		}
		postgresContainer = container
	})
	if postgresStartErr != nil {
		return "", 0, postgresStartErr
	}

	ctx := context.Background()
	host, err := postgresContainer.Host(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("获取 PostgreSQL 容器 host 失败: %w", err)
	}
	mappedPort, err := postgresContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return "", 0, fmt.Errorf("获取 PostgreSQL 映射端口失败: %w", err)
	}
	port, err := strconv.Atoi(mappedPort.Port())
	if err != nil {
		return "", 0, fmt.Errorf("解析 PostgreSQL 端口失败: %w", err)
	}

	return host, port, nil
}

func connectWithRetry(connect func() error, attempts int, interval time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = connect(); err == nil {
			return nil
		}
		time.Sleep(interval)
	}
	return err
}

func setupTestDB(t *testing.T) db.DB {
	globalDBOnce.Do(func() {
		host, port, err := startPostgresContainer()
		if err != nil {
			globalDBInitErr = err
			return
		}
		logger := clog.Discard()

		postgresCfg := &connector.PostgreSQLConfig{
			Name:            "test-postgres",
			Host:            host,
			Port:            port,
			Username:        "towline",
			Password:        "towline123",
			Database:        "towline_test",
			SSLMode:         "disable",
			MaxIdleConns:    10,
			MaxOpenConns:    20,
			ConnMaxLifetime: time.Hour,
			ConnectTimeout:  5 * time.Second,
			Timezone:        "UTC",
		}

		globalPostgresConn, err = connector.NewPostgreSQL(postgresCfg, connector.WithLogger(logger))
		if err != nil {
			globalDBInitErr = fmt.Errorf("创建 PostgreSQL 连接器失败: %w", err)
			return
		}

		if err := connectWithRetry(func() error {
			return globalPostgresConn.Connect(context.Background())
		}, 20, 500*time.Millisecond); err != nil {
			globalDBInitErr = fmt.Errorf("连接 PostgreSQL 失败: %w", err)
			return
		}

		globalDB, err = db.New(&db.Config{
			Driver: "postgresql",
		}, db.WithPostgreSQLConnector(globalPostgresConn), db.WithLogger(logger))
		if err != nil {
			globalDBInitErr = fmt.Errorf("创建 DB 组件失败: %w", err)
			return
		}
	})

	if globalDBInitErr != nil {
		if strings.Contains(globalDBInitErr.Error(), "docker.sock") || strings.Contains(globalDBInitErr.Error(), "rootless Docker not found") {
			t.Skipf("跳过测试：%v", globalDBInitErr)
			return nil
		}
		t.Fatalf("数据库连接初始化失败: %v", globalDBInitErr)
	}
	if globalDB == nil {
		t.Fatalf("数据库连接初始化失败")
	}
	return globalDB
}

func cleanupTestData(t *testing.T, database db.DB) {
	ctx := context.Background()
	gormDB := database.DB(ctx)

	tables := []string{
		"t_notification",
		"t_chat_message",
		"t_room_participant",
		"t_chat_room",
		"t_user",
	}

	for _, table := range tables {
		stmt := fmt.Sprintf("TRUNCATE TABLE %s RESTART IDENTITY CASCADE", table)
		if err := gormDB.Exec(stmt).Error; err != nil {
			if strings.Contains(err.Error(), "does not exist") {
				continue
			}
			t.Logf("警告：清理表 %s 失败: %v", table, err)
		}
	}
}
