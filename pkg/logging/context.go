package logging

import (
	"context"
)

type ctxKey string

const (
	InstanceIDKey    ctxKey = "instance_id"
	ConsumerGroupKey ctxKey = "consumer_group"
	PartitionKey     ctxKey = "partition"
	ServiceNameKey   ctxKey = "service_name"
	RequestIDKey     ctxKey = "request_id"
)

func WithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, InstanceIDKey, id)
}

func WithConsumerGroup(ctx context.Context, group string) context.Context {
	return context.WithValue(ctx, ConsumerGroupKey, group)
}

func WithPartition(ctx context.Context, partition int) context.Context {
	return context.WithValue(ctx, PartitionKey, partition)
}

func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return context.WithValue(ctx, ServiceNameKey, serviceName)
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

func GetInstanceID(ctx context.Context) string {
	if id, ok := ctx.Value(InstanceIDKey).(string); ok {
		return id
	}
	return ""
}

func GetConsumerGroup(ctx context.Context) string {
	if group, ok := ctx.Value(ConsumerGroupKey).(string); ok {
		return group
	}
	return ""
}

// GetPartition returns -1 when no partition is attached.
func GetPartition(ctx context.Context) int {
	if p, ok := ctx.Value(PartitionKey).(int); ok {
		return p
	}
	return -1
}

func GetServiceName(ctx context.Context) string {
	if serviceName, ok := ctx.Value(ServiceNameKey).(string); ok {
		return serviceName
	}
	return ""
}

func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, 8)

	if id := GetInstanceID(ctx); id != "" {
		fields = append(fields, "instance_id", id)
	}

	if group := GetConsumerGroup(ctx); group != "" {
		fields = append(fields, "consumer_group", group)
	}

	if p := GetPartition(ctx); p >= 0 {
		fields = append(fields, "partition", p)
	}

	if id := GetRequestID(ctx); id != "" {
		fields = append(fields, "request_id", id)
	}

	if serviceName := GetServiceName(ctx); serviceName != "" {
		fields = append(fields, "service_name", serviceName)
	}

	return fields
}
