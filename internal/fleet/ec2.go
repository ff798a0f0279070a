package fleet

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// EC2API is the subset of the EC2 client used by EC2Provisioner.
type EC2API interface {
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

type EC2Provisioner struct {
	client EC2API
	// imageID, when set, further restricts List to instances of that AMI.
	imageID string
}

func NewEC2Provisioner(client EC2API, imageID string) *EC2Provisioner {
	return &EC2Provisioner{client: client, imageID: imageID}
}

func (p *EC2Provisioner) Launch(ctx context.Context, spec LaunchSpec, tags map[string]string) (string, error) {
	in := &ec2.RunInstancesInput{
		ImageId:      aws.String(spec.Image),
		InstanceType: types.InstanceType(spec.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         ec2Tags(tags),
		}},
	}
	if spec.KeyName != "" {
		in.KeyName = aws.String(spec.KeyName)
	}
	if len(spec.SecurityGroupIDs) > 0 {
		in.SecurityGroupIds = spec.SecurityGroupIDs
	}
	if spec.SubnetID != "" {
		in.SubnetId = aws.String(spec.SubnetID)
	}
	if spec.IAMInstanceProfile != "" {
		in.IamInstanceProfile = &types.IamInstanceProfileSpecification{Name: aws.String(spec.IAMInstanceProfile)}
	}
	if spec.UserData != "" {
		in.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(spec.UserData)))
	}
	out, err := p.client.RunInstances(ctx, in)
	if err != nil {
		return "", fmt.Errorf("run instances: %w", err)
	}
	if len(out.Instances) == 0 {
		return "", fmt.Errorf("run instances: no instance returned")
	}
	return aws.ToString(out.Instances[0].InstanceId), nil
}

func (p *EC2Provisioner) Terminate(ctx context.Context, id string) error {
	_, err := p.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		return fmt.Errorf("terminate instance %s: %w", id, err)
	}
	return nil
}

func (p *EC2Provisioner) List(ctx context.Context, filter map[string]string) ([]WorkerDescriptor, error) {
	filters := []types.Filter{{
		Name:   aws.String("instance-state-name"),
		Values: []string{string(StateRunning), string(StatePending)},
	}}
	if p.imageID != "" {
		filters = append(filters, types.Filter{Name: aws.String("image-id"), Values: []string{p.imageID}})
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		filters = append(filters, types.Filter{Name: aws.String("tag:" + k), Values: []string{filter[k]}})
	}

	var out []WorkerDescriptor
	pager := ec2.NewDescribeInstancesPaginator(p.client, &ec2.DescribeInstancesInput{Filters: filters})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe instances: %w", err)
		}
		for _, r := range page.Reservations {
			for _, inst := range r.Instances {
				state := StatePending
				if inst.State != nil && inst.State.Name == types.InstanceStateNameRunning {
					state = StateRunning
				}
				d := WorkerDescriptor{ID: aws.ToString(inst.InstanceId), State: state}
				if inst.LaunchTime != nil {
					d.LaunchTime = *inst.LaunchTime
				}
				out = append(out, d)
			}
		}
	}
	return out, nil
}

func ec2Tags(tags map[string]string) []types.Tag {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}
