package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/actorflow/transport"
	"github.com/drblury/actorflow/transport/transporttest"
)

type captured struct {
	accountID, region string
	pubCfg            sns.PublisherConfig
	loaderOpts        int
}

func stub(t *testing.T) (*transporttest.Publisher, *captured) {
	t.Helper()
	origLoader, origResolver, origPub, origSub := DefaultConfigLoader, TopicResolverFactory, PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		DefaultConfigLoader, TopicResolverFactory, PublisherFactory, SubscriberFactory = origLoader, origResolver, origPub, origSub
	})

	c := &captured{}
	pub := &transporttest.Publisher{}
	DefaultConfigLoader = func(_ context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		c.loaderOpts = len(opts)
		return aws.Config{Region: "eu-west-1"}, nil
	}
	TopicResolverFactory = func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
		c.accountID, c.region = accountID, region
		return &sns.GenerateArnTopicResolver{}, nil
	}
	PublisherFactory = func(cfg sns.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		c.pubCfg = cfg
		return pub, nil
	}
	SubscriberFactory = func(sns.SubscriberConfig, sqs.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
		return transporttest.Subscriber{}, nil
	}
	return pub, c
}

func TestBuild(t *testing.T) {
	t.Run("uses configured account and region", func(t *testing.T) {
		pub, c := stub(t)
		tr, err := Build(context.Background(), &transporttest.Config{
			AWSRegion:          "us-east-1",
			AWSAccountID:       "123456789012",
			AWSAccessKeyID:     "key",
			AWSSecretAccessKey: "secret",
		}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Same(t, pub, tr.Publisher)
		assert.Equal(t, "123456789012", c.accountID)
		assert.Equal(t, "us-east-1", c.region)
		assert.Equal(t, "us-east-1", c.pubCfg.AWSConfig.Region)
		assert.Equal(t, 2, c.loaderOpts)
		assert.Empty(t, c.pubCfg.OptFns)
	})

	t.Run("localstack endpoint", func(t *testing.T) {
		_, c := stub(t)
		_, err := Build(context.Background(), &transporttest.Config{AWSEndpoint: "http://localhost:4566"}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Equal(t, localstackAccountID, c.accountID)
		assert.Equal(t, "eu-west-1", c.region)
		assert.Len(t, c.pubCfg.OptFns, 1)
	})

	t.Run("invalid endpoint", func(t *testing.T) {
		stub(t)
		_, err := Build(context.Background(), &transporttest.Config{AWSEndpoint: "::bad"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "invalid endpoint")
	})

	t.Run("config loader failure", func(t *testing.T) {
		stub(t)
		DefaultConfigLoader = func(context.Context, ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
			return aws.Config{}, errors.New("config error")
		}
		_, err := Build(context.Background(), &transporttest.Config{AWSRegion: "us-east-1"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "config error")
	})

	t.Run("subscriber failure closes publisher", func(t *testing.T) {
		pub, _ := stub(t)
		SubscriberFactory = func(sns.SubscriberConfig, sqs.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}
		_, err := Build(context.Background(), &transporttest.Config{AWSRegion: "us-east-1", AWSAccountID: "123456789012"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, pub.Closed)
	})
}

func TestResolveAccountAndRegion(t *testing.T) {
	tests := []struct {
		name        string
		cfg         *transporttest.Config
		wantAccount string
		wantRegion  string
	}{
		{"config values", &transporttest.Config{AWSAccountID: "123456789012", AWSRegion: "us-west-2"}, "123456789012", "us-west-2"},
		{"fallback region", &transporttest.Config{AWSAccountID: "'123456789012'"}, "123456789012", "us-east-1"},
		{"localstack default", &transporttest.Config{AWSEndpoint: "http://localhost:4566"}, localstackAccountID, "us-east-1"},
		{"malformed account with endpoint", &transporttest.Config{AWSEndpoint: "http://localhost:4566", AWSAccountID: "42"}, localstackAccountID, "us-east-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			account, region := resolveAccountAndRegion(tt.cfg, watermill.NopLogger{}, "us-east-1")
			assert.Equal(t, tt.wantAccount, account)
			assert.Equal(t, tt.wantRegion, region)
		})
	}
}

func TestQueueNameFromTopic(t *testing.T) {
	name, err := queueNameFromTopic(context.Background(), "arn:aws:sns:us-east-1:123456789012:actorflow-dead")
	require.NoError(t, err)
	assert.Equal(t, "actorflow-dead", name)
}

func TestRegister(t *testing.T) {
	reg := transport.NewRegistry()
	Register(reg)
	assert.True(t, reg.Has(TransportName))
}
