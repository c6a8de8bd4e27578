package logger

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// metricsPublisher ships report counters to CloudWatch. A nil client means
// publishing is disabled and every call is a no-op.
type metricsPublisher struct {
	mu        sync.Mutex
	client    *cloudwatch.Client
	namespace string
	dashboard string
}

var publisher = &metricsPublisher{
	namespace: "LadderFlow",
	dashboard: "LadderFlow",
}

// InitCloudWatch enables metric publishing. An empty region falls back to
// AWS_REGION; when no AWS configuration can be loaded, publishing stays
// disabled and the recorder keeps running on logs alone.
func InitCloudWatch(region, namespace, dashboard string) {
	log := GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	ctx := context.Background()
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration, metrics publishing disabled")
		return
	}

	publisher.mu.Lock()
	publisher.client = cloudwatch.NewFromConfig(cfg)
	if namespace != "" {
		publisher.namespace = namespace
	}
	if dashboard != "" {
		publisher.dashboard = dashboard
	}
	publisher.mu.Unlock()

	log.WithFields(Fields{"region": region, "namespace": publisher.namespace}).Info("cloudwatch metrics enabled")

	if err := publisher.ensureDashboard(ctx); err != nil {
		log.WithError(err).Warn("failed to create cloudwatch dashboard")
	}
}

func publishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	publisher.mu.Lock()
	client := publisher.client
	namespace := publisher.namespace
	publisher.mu.Unlock()

	if client == nil || len(data) == 0 {
		return
	}

	// PutMetricData accepts at most 1000 datums per call.
	for len(data) > 0 {
		chunk := data
		if len(chunk) > 1000 {
			chunk = chunk[:1000]
		}
		data = data[len(chunk):]

		if _, err := client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(namespace),
			MetricData: chunk,
		}); err != nil {
			GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to publish metrics")
			return
		}
	}
}

// ensureDashboard puts a minimal system dashboard so a fresh deployment has
// somewhere to look before anyone hand-builds widgets.
func (p *metricsPublisher) ensureDashboard(ctx context.Context) error {
	p.mu.Lock()
	client := p.client
	namespace := p.namespace
	dashboard := p.dashboard
	p.mu.Unlock()

	if client == nil {
		return nil
	}

	body, err := json.Marshal(map[string]interface{}{
		"widgets": []map[string]interface{}{{
			"type":   "metric",
			"width":  24,
			"height": 6,
			"properties": map[string]interface{}{
				"metrics": [][]string{
					{namespace, "CPUPercent"},
					{namespace, "MemoryMB"},
					{namespace, "DiskMB"},
				},
				"period": 60,
				"stat":   "Average",
				"title":  "LadderFlow System Metrics",
			},
		}},
	})
	if err != nil {
		return err
	}

	_, err = client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(dashboard),
		DashboardBody: aws.String(string(body)),
	})
	return err
}
