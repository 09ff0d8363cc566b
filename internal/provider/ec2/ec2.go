// Package ec2 implements the provider contract on AWS EC2. Instances are
// launched from an AMI (the slot's snapshot reference) and tagged with the
// pool label so reconcile can enumerate them.
package ec2

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/hal9999/hal/internal/logging"
	"github.com/hal9999/hal/internal/provider"
)

const (
	labelTagKey  = "hal:label"
	managedTag   = "hal:managed"
	pollInterval = 5 * time.Second
)

// Provider drives EC2 through the AWS SDK v2 client.
type Provider struct {
	client *awsec2.Client
	region string
}

// New builds an EC2 provider for the region. Credentials come from the
// default chain; HAL_AWS_ACCESS_KEY_ID / HAL_AWS_SECRET_ACCESS_KEY override
// it with a static pair when both are set.
func New(ctx context.Context, region string) (*Provider, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if key, secret := os.Getenv("HAL_AWS_ACCESS_KEY_ID"), os.Getenv("HAL_AWS_SECRET_ACCESS_KEY"); key != "" && secret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(key, secret, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Provider{client: awsec2.NewFromConfig(cfg), region: region}, nil
}

func (p *Provider) CreateInstance(ctx context.Context, spec provider.CreateSpec) (*provider.Instance, error) {
	input := &awsec2.RunInstancesInput{
		ImageId:      strptr(spec.SnapshotID),
		InstanceType: ec2types.InstanceType(spec.Plan),
		MinCount:     int32ptr(1),
		MaxCount:     int32ptr(1),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags: []ec2types.Tag{
				{Key: strptr("Name"), Value: strptr(spec.Label)},
				{Key: strptr(labelTagKey), Value: strptr(spec.Label)},
				{Key: strptr(managedTag), Value: strptr("true")},
			},
		}},
	}
	if len(spec.SSHKeyIDs) > 0 {
		input.KeyName = strptr(spec.SSHKeyIDs[0])
	}

	out, err := p.client.RunInstances(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("run instance: %w", err)
	}
	if len(out.Instances) == 0 {
		return nil, fmt.Errorf("run instance: empty reservation")
	}
	inst := out.Instances[0]
	logging.Op().Debug("ec2 instance launched",
		"id", deref(inst.InstanceId), "type", spec.Plan, "ami", spec.SnapshotID)
	return fromEC2(&inst), nil
}

func (p *Provider) WaitForReady(ctx context.Context, id string, timeout time.Duration) (*provider.Instance, error) {
	deadline := time.Now().Add(timeout)
	for {
		inst, err := p.GetInstance(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst.Status == "running" && provider.Routable(inst.IP) {
			return inst, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("instance %s not ready after %s (status %s)",
				id, timeout, inst.Status)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (p *Provider) GetInstance(ctx context.Context, id string) (*provider.Instance, error) {
	out, err := p.client.DescribeInstances(ctx, &awsec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		if isNotFound(err) {
			return nil, provider.ErrNotFound
		}
		return nil, fmt.Errorf("describe instance %s: %w", id, err)
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if deref(inst.InstanceId) == id {
				if inst.State != nil && inst.State.Name == ec2types.InstanceStateNameTerminated {
					return nil, provider.ErrNotFound
				}
				return fromEC2(&inst), nil
			}
		}
	}
	return nil, provider.ErrNotFound
}

func (p *Provider) ListInstances(ctx context.Context, labelFilter string) ([]*provider.Instance, error) {
	filters := []ec2types.Filter{
		{Name: strptr("tag:" + managedTag), Values: []string{"true"}},
		{Name: strptr("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped"}},
	}
	if labelFilter != "" {
		filters = append(filters, ec2types.Filter{
			Name: strptr("tag:" + labelTagKey), Values: []string{labelFilter + "*"},
		})
	}

	var instances []*provider.Instance
	paginator := awsec2.NewDescribeInstancesPaginator(p.client, &awsec2.DescribeInstancesInput{
		Filters: filters,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list instances: %w", err)
		}
		for _, res := range page.Reservations {
			for i := range res.Instances {
				instances = append(instances, fromEC2(&res.Instances[i]))
			}
		}
	}
	return instances, nil
}

func (p *Provider) DestroyInstance(ctx context.Context, id string) error {
	_, err := p.client.TerminateInstances(ctx, &awsec2.TerminateInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		if isNotFound(err) {
			return provider.ErrNotFound
		}
		return fmt.Errorf("terminate instance %s: %w", id, err)
	}
	return nil
}

func (p *Provider) StartInstance(ctx context.Context, id string) error {
	_, err := p.client.StartInstances(ctx, &awsec2.StartInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		if isNotFound(err) {
			return provider.ErrNotFound
		}
		return fmt.Errorf("start instance %s: %w", id, err)
	}
	return nil
}

func (p *Provider) StopInstance(ctx context.Context, id string) error {
	_, err := p.client.StopInstances(ctx, &awsec2.StopInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		if isNotFound(err) {
			return provider.ErrNotFound
		}
		return fmt.Errorf("stop instance %s: %w", id, err)
	}
	return nil
}

func fromEC2(inst *ec2types.Instance) *provider.Instance {
	out := &provider.Instance{
		ID:      deref(inst.InstanceId),
		SSHPort: 22,
	}
	if inst.State != nil {
		out.Status = string(inst.State.Name)
	}
	if inst.PublicIpAddress != nil {
		out.IP = *inst.PublicIpAddress
	} else if inst.PrivateIpAddress != nil {
		out.IP = *inst.PrivateIpAddress
	}
	return out
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return strings.HasPrefix(code, "InvalidInstanceID") || code == "InvalidInstanceID.NotFound"
	}
	return false
}

func strptr(s string) *string { return &s }

func int32ptr(n int32) *int32 { return &n }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
