package aws

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/mediaflow/sink"
)

// SQSSinkName registers the queue-backed variant. The topic is the queue name.
const SQSSinkName = "aws-sqs"

// SQSPublisherFactory allows overriding the SQS publisher creation for testing.
var SQSPublisherFactory = func(cfg sqs.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sqs.NewPublisher(cfg, logger)
}

func init() {
	sink.Register(SQSSinkName, BuildSQS, sink.SQSCapabilities)
}

// BuildSQS creates a publisher that sends observer events straight to an SQS
// queue, creating it on first use.
func BuildSQS(ctx context.Context, cfg sink.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	publisherConfig := sqs.PublisherConfig{
		AWSConfig: awsCfg,
		Marshaler: sqs.DefaultMarshalerUnmarshaler{},
	}
	endpoint, err := endpointURL(cfg)
	if err != nil {
		logger.Error("Failed to parse AWS endpoint", err, watermill.LogFields{"endpoint": cfg.GetAWSEndpoint()})
		return nil, err
	}
	if endpoint != nil {
		publisherConfig.OptFns = []func(*amazonsqs.Options){
			amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{
				Endpoint: smithyendpoints.Endpoint{URI: *endpoint},
			}),
		}
	}

	return SQSPublisherFactory(publisherConfig, logger)
}
