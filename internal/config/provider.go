package config

import (
	"fmt"
	"math/rand/v2"
)

// Provider identifies a supported cloud provider.
type Provider string

// Supported providers.
const (
	ProviderAWS     Provider = "aws"
	ProviderGCP     Provider = "gcp"
	ProviderHetzner Provider = "hetzner"
)

// ParseProvider validates a provider name from the CLI.
func ParseProvider(s string) (Provider, error) {
	switch Provider(s) {
	case ProviderAWS, ProviderGCP, ProviderHetzner:
		return Provider(s), nil
	default:
		return "", fmt.Errorf("unknown provider %q (supported: aws, gcp, hetzner)", s)
	}
}

func (p Provider) String() string { return string(p) }

// DefaultInstanceType returns the provider's cheapest sensible instance
// class, used when the operator does not pick one.
func (p Provider) DefaultInstanceType() string {
	switch p {
	case ProviderAWS:
		return "t3.micro"
	case ProviderGCP:
		return "f1-micro"
	case ProviderHetzner:
		return "cx11"
	default:
		return ""
	}
}

// awsRegions, gcpRegions and hetznerRegions are the fixed region lists
// a random pick draws from.  For GCP the values are zones in the
// provider's terms; the deployer treats them uniformly as "region".
var (
	awsRegions = []string{
		"us-east-1", "us-east-2", "us-west-1", "us-west-2",
		"ap-south-1", "ap-northeast-3", "ap-northeast-2",
		"ap-southeast-1", "ap-southeast-2", "ap-northeast-1",
		"ca-central-1",
		"eu-central-1", "eu-west-1", "eu-west-2", "eu-west-3", "eu-north-1",
		"sa-east-1",
	}
	gcpRegions = []string{
		"us-central1", "us-east1", "us-east4",
		"us-west1", "us-west2", "us-west3", "us-west4",
		"northamerica-northeast1", "southamerica-east1",
		"europe-west1", "europe-west2", "europe-west3", "europe-west4",
		"europe-west6", "europe-west8", "europe-west9",
		"europe-north1", "europe-southwest1",
		"asia-east1", "asia-east2",
		"asia-northeast1", "asia-northeast2", "asia-northeast3",
		"asia-south1", "asia-south2",
		"asia-southeast1", "asia-southeast2",
		"australia-southeast1", "australia-southeast2",
		"me-central1", "me-west1",
	}
	hetznerRegions = []string{"fsn1", "nbg1", "hel1", "ash", "hil"}
)

// Regions returns the provider's fixed region list.
func (p Provider) Regions() []string {
	switch p {
	case ProviderAWS:
		return awsRegions
	case ProviderGCP:
		return gcpRegions
	case ProviderHetzner:
		return hetznerRegions
	default:
		return nil
	}
}

// RandomRegion picks a region uniformly at random from the provider's
// list.  An empty list is a configuration defect, never a silent
// default.
func (p Provider) RandomRegion() (string, error) {
	regions := p.Regions()
	if len(regions) == 0 {
		return "", fmt.Errorf("provider %s has no regions to choose from", p)
	}
	return regions[rand.IntN(len(regions))], nil
}
