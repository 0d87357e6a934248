package database

import (
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const (
	spanKey  = "otel:span"
	startKey = "otel:start_time"

	maxStatementLength = 500
)

// OTELPlugin GORM OpenTelemetry 插件，为告警写入与回读生成 span 和耗时指标
type OTELPlugin struct {
	serviceName string
	tracer      trace.Tracer
	queries     metric.Int64Counter
	duration    metric.Float64Histogram
}

func NewOTELPlugin(serviceName string) (*OTELPlugin, error) {
	meter := otel.Meter(serviceName + ".gorm")

	queries, err := meter.Int64Counter(
		"db.queries.total",
		metric.WithDescription("Total number of database queries"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"db.query.duration",
		metric.WithDescription("Database query duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0),
	)
	if err != nil {
		return nil, err
	}

	return &OTELPlugin{
		serviceName: serviceName,
		tracer:      otel.Tracer(serviceName + ".gorm"),
		queries:     queries,
		duration:    duration,
	}, nil
}

// Name 实现 gorm.Plugin 接口
func (p *OTELPlugin) Name() string {
	return "otel_plugin"
}

// Initialize 注册回调，只覆盖告警提交用到的 create 与 query
func (p *OTELPlugin) Initialize(db *gorm.DB) error {
	callbacks := db.Callback()

	if err := callbacks.Create().Before("gorm:create").Register("otel:before_create", p.before("db.insert")); err != nil {
		return err
	}
	if err := callbacks.Create().After("gorm:create").Register("otel:after_create", p.after("db.insert")); err != nil {
		return err
	}
	if err := callbacks.Query().Before("gorm:query").Register("otel:before_query", p.before("db.select")); err != nil {
		return err
	}
	return callbacks.Query().After("gorm:query").Register("otel:after_query", p.after("db.select"))
}

func (p *OTELPlugin) before(operation string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		attrs := []attribute.KeyValue{
			semconv.DBSystemPostgreSQL,
			attribute.String("service.name", p.serviceName),
		}
		if table := db.Statement.Table; table != "" {
			attrs = append(attrs, attribute.String("db.table", table))
		}

		ctx, span := p.tracer.Start(db.Statement.Context, operation,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(attrs...),
		)
		db.InstanceSet(startKey, time.Now())
		db.InstanceSet(spanKey, span)
		db.Statement.Context = ctx
	}
}

func (p *OTELPlugin) after(operation string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		v, ok := db.InstanceGet(spanKey)
		if !ok {
			return
		}
		span, ok := v.(trace.Span)
		if !ok {
			return
		}
		defer span.End()

		// SQL 语句在执行后才完整
		stmt := db.Statement.SQL.String()
		if len(stmt) > maxStatementLength {
			stmt = stmt[:maxStatementLength] + "..."
		}
		span.SetAttributes(
			semconv.DBStatement(strings.TrimSpace(stmt)),
			attribute.Int64("db.rows_affected", db.Statement.RowsAffected),
		)

		status := "success"
		switch {
		case db.Error == nil:
			span.SetStatus(codes.Ok, "")
		case db.Error == gorm.ErrRecordNotFound:
			status = "not_found"
			span.SetStatus(codes.Ok, "Record not found")
		default:
			status = "error"
			span.SetStatus(codes.Error, db.Error.Error())
			span.RecordError(db.Error)
		}

		labels := metric.WithAttributes(
			attribute.String("db.operation", operation),
			attribute.String("db.status", status),
		)
		ctx := db.Statement.Context
		p.queries.Add(ctx, 1, labels)
		if v, ok := db.InstanceGet(startKey); ok {
			if start, ok := v.(time.Time); ok {
				p.duration.Record(ctx, time.Since(start).Seconds(), labels)
			}
		}
	}
}

// WithOTELPlugin 为 GORM 添加 OpenTelemetry 插件
func WithOTELPlugin(db *gorm.DB, serviceName string) error {
	plugin, err := NewOTELPlugin(serviceName)
	if err != nil {
		return err
	}
	return db.Use(plugin)
}
