package connector

// Infrastructure is the registration body posted to /infrastructures.
type Infrastructure struct {
	ID          string      `json:"id"`
	Type        string      `json:"type"`
	Credentials Credentials `json:"credentials"`
	Endpoint    string      `json:"endpoint,omitempty"`

	// Azure environment overrides.
	AuthenticationEndpoint  string `json:"authenticationEndpoint,omitempty"`
	ManagementEndpoint      string `json:"managementEndpoint,omitempty"`
	ResourceManagerEndpoint string `json:"resourceManagerEndpoint,omitempty"`
	GraphEndpoint           string `json:"graphEndpoint,omitempty"`

	// MAAS only.
	AllowSelfSignedSSLCertificate bool `json:"allowSelfSignedSSLCertificate,omitempty"`

	ToBeRemovedOnShutdown bool `json:"toBeRemovedOnShutdown"`
}

// Credentials authenticate either the infrastructure registration or a
// script run on an instance.
type Credentials struct {
	Username       string `json:"username"`
	Password       string `json:"password"`
	Domain         string `json:"domain,omitempty"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
}

// InstanceRequest is the body posted to /infrastructures/{id}/instances.
// Counts and sizes travel as strings.
type InstanceRequest struct {
	Tag         string               `json:"tag"`
	Image       string               `json:"image"`
	Number      string               `json:"number"`
	Hardware    *Hardware            `json:"hardware,omitempty"`
	Credentials *InstanceCredentials `json:"credentials,omitempty"`
	Options     *Options             `json:"options,omitempty"`
	Network     *Network             `json:"network,omitempty"`
	InitScript  *Script              `json:"initScript,omitempty"`
}

// Hardware is either a minimum sizing (MinCores/MinRAM) or a provider
// flavor name (Type).
type Hardware struct {
	MinCores string `json:"minCores,omitempty"`
	MinRAM   string `json:"minRam,omitempty"`
	Type     string `json:"type,omitempty"`
}

// InstanceCredentials are handed to the instance itself at creation.
type InstanceCredentials struct {
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
	PublicKeyName string `json:"publicKeyName,omitempty"`
	PublicKey     string `json:"publicKey,omitempty"`
}

// Options carries the provider-specific knobs of a creation request.
// An empty Options still serializes as {}.
type Options struct {
	SpotPrice          string   `json:"spotPrice,omitempty"`
	SecurityGroupNames []string `json:"securityGroupNames,omitempty"`
	SubnetID           string   `json:"subnetId,omitempty"`
	MACAddresses       []string `json:"macAddresses,omitempty"`
	ResourceGroup      string   `json:"resourceGroup,omitempty"`
	Region             string   `json:"region,omitempty"`
	SystemID           string   `json:"systemId,omitempty"`
}

// Network configures instance networking (Azure).
type Network struct {
	PrivateNetworkCIDR string `json:"privateNetworkCIDR,omitempty"`
	StaticPublicIP     bool   `json:"staticPublicIP"`
}

// Script is both the body of a script run and the initScript of a
// creation request.
type Script struct {
	Scripts     []string     `json:"scripts"`
	Credentials *Credentials `json:"credentials,omitempty"`
}

// Instance is one element of the connector's instance listing.
type Instance struct {
	ID     string `json:"id"`
	Tag    string `json:"tag"`
	Image  string `json:"image,omitempty"`
	Number string `json:"number,omitempty"`
	Status string `json:"status,omitempty"`
}
