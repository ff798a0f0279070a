// Package fleet launches, lists and terminates worker instances on a compute
// provider.
package fleet

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type InstanceState string

const (
	StatePending InstanceState = "pending"
	StateRunning InstanceState = "running"
)

const TagManagedBy = "ManagedBy"

type WorkerDescriptor struct {
	ID         string
	LaunchTime time.Time
	State      InstanceState
}

// LaunchSpec describes one worker instance. EC2 uses the AMI and instance
// fields; Kubernetes uses Image, Command and Env.
type LaunchSpec struct {
	Image              string            `yaml:"image"`
	InstanceType       string            `yaml:"instance_type"`
	KeyName            string            `yaml:"key_name"`
	SecurityGroupIDs   []string          `yaml:"security_group_ids"`
	SubnetID           string            `yaml:"subnet_id"`
	IAMInstanceProfile string            `yaml:"iam_instance_profile"`
	UserData           string            `yaml:"user_data"`
	NamePrefix         string            `yaml:"name_prefix"`
	Tags               map[string]string `yaml:"tags"`
	Command            []string          `yaml:"command"`
	Env                map[string]string `yaml:"env"`
}

// Provisioner is a compute provider. List returns only pending and running
// instances whose tags match every entry of filter.
type Provisioner interface {
	Launch(ctx context.Context, spec LaunchSpec, tags map[string]string) (string, error)
	Terminate(ctx context.Context, id string) error
	List(ctx context.Context, filter map[string]string) ([]WorkerDescriptor, error)
}

// LoadTemplate reads a YAML launch template from path.
func LoadTemplate(path string) (LaunchSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return LaunchSpec{}, fmt.Errorf("read launch template: %w", err)
	}
	var spec LaunchSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return LaunchSpec{}, fmt.Errorf("parse launch template %s: %w", path, err)
	}
	if spec.Image == "" {
		return LaunchSpec{}, fmt.Errorf("launch template %s: image is required", path)
	}
	if spec.NamePrefix == "" {
		spec.NamePrefix = "app-instance"
	}
	return spec, nil
}

// InstanceTags returns the tags for a new worker: the template tags, a
// unique Name and the ManagedBy marker.
func InstanceTags(spec LaunchSpec, managedBy string, now time.Time) map[string]string {
	tags := make(map[string]string, len(spec.Tags)+2)
	for k, v := range spec.Tags {
		tags[k] = v
	}
	prefix := spec.NamePrefix
	if prefix == "" {
		prefix = "app-instance"
	}
	tags["Name"] = prefix + "-" + strconv.FormatInt(now.UnixNano(), 10)
	tags[TagManagedBy] = managedBy
	return tags
}
