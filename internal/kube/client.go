package kube

import (
	"fmt"
	"os"
	"sync"
	"time"

	"k8s.io/client-go/discovery"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// AuthMode selects how a cluster's credentials are interpreted.
type AuthMode string

const (
	// AuthKubeconfig authenticates with a full kubeconfig blob.
	AuthKubeconfig AuthMode = "kubeconfig"

	// AuthBearer authenticates with an endpoint URL plus a bearer token.
	AuthBearer AuthMode = "bearer"
)

// Rate limits applied to every synthesized client. The request timeout bounds
// individual API calls; connection lifetime is managed by the pool.
const (
	defaultQPS            = float32(50)
	defaultBurst          = 100
	defaultRequestTimeout = 30 * time.Second
)

// ClusterSpec describes a registered cluster and its credentials. Specs are
// loaded from the store and handed to the pool; they are never logged in
// full because Kubeconfig and BearerToken carry secrets.
type ClusterSpec struct {
	ID       int64
	Name     string
	AuthMode AuthMode

	// Kubeconfig is the raw kubeconfig blob (AuthKubeconfig only).
	Kubeconfig []byte

	// Endpoint, BearerToken and CACert configure direct token access
	// (AuthBearer only). When CACert is empty and InsecureSkipTLS is set,
	// server certificate verification is disabled.
	Endpoint        string
	BearerToken     string
	CACert          []byte
	InsecureSkipTLS bool
}

// Validate checks that the spec carries the fields its auth mode requires.
func (s ClusterSpec) Validate() error {
	if s.ID <= 0 {
		return &ClusterSpecError{Field: "id", Reason: "cluster id must be positive"}
	}
	switch s.AuthMode {
	case AuthKubeconfig:
		if len(s.Kubeconfig) == 0 {
			return &ClusterSpecError{Field: "kubeconfig", Reason: "kubeconfig blob is required"}
		}
	case AuthBearer:
		if s.Endpoint == "" {
			return &ClusterSpecError{Field: "endpoint", Reason: "endpoint is required for bearer auth"}
		}
		if s.BearerToken == "" {
			return &ClusterSpecError{Field: "bearer_token", Reason: "bearer token is required for bearer auth"}
		}
		if len(s.CACert) == 0 && !s.InsecureSkipTLS {
			return &ClusterSpecError{Field: "ca_cert", Reason: "CA certificate is required unless TLS verification is disabled"}
		}
	default:
		return &ClusterSpecError{Field: "auth_mode", Reason: fmt.Sprintf("unsupported auth mode %q", s.AuthMode)}
	}
	return nil
}

// Client is a ready-to-use handle onto one cluster. The typed clientset,
// dynamic client and discovery client are created lazily on first use and
// cached for the lifetime of the handle.
type Client struct {
	clusterID int64
	name      string
	host      string

	restConfig *rest.Config

	// caFile is a temporary file holding the cluster CA for bearer auth.
	// It is removed exactly once when the client is closed.
	caFile      string
	cleanupOnce sync.Once

	mu              sync.RWMutex
	clientset       kubernetes.Interface
	dynamicClient   dynamic.Interface
	discoveryClient discovery.DiscoveryInterface
}

// newClient synthesizes a client handle from a cluster spec. For kubeconfig
// auth, the blob is parsed in memory and never touches disk. For bearer auth,
// the CA certificate is written to a temp file because rest.Config consumes
// certificate authorities by path.
func newClient(spec ClusterSpec) (*Client, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		clusterID: spec.ID,
		name:      spec.Name,
	}

	switch spec.AuthMode {
	case AuthKubeconfig:
		config, err := clientcmd.RESTConfigFromKubeConfig(spec.Kubeconfig)
		if err != nil {
			return nil, &ClusterSpecError{Field: "kubeconfig", Reason: fmt.Sprintf("cannot parse kubeconfig: %v", err)}
		}
		c.restConfig = config

	case AuthBearer:
		config := &rest.Config{
			Host:        spec.Endpoint,
			BearerToken: spec.BearerToken,
		}
		if len(spec.CACert) > 0 {
			caFile, err := writeCATempFile(spec.ID, spec.CACert)
			if err != nil {
				return nil, err
			}
			c.caFile = caFile
			config.TLSClientConfig = rest.TLSClientConfig{CAFile: caFile}
		} else {
			config.TLSClientConfig = rest.TLSClientConfig{Insecure: true}
		}
		c.restConfig = config
	}

	c.restConfig.QPS = defaultQPS
	c.restConfig.Burst = defaultBurst
	c.restConfig.Timeout = defaultRequestTimeout
	c.host = c.restConfig.Host

	return c, nil
}

// writeCATempFile persists a CA bundle so rest.Config can reference it by path.
func writeCATempFile(clusterID int64, caCert []byte) (string, error) {
	f, err := os.CreateTemp("", fmt.Sprintf("kubedeck-ca-%d-*.crt", clusterID))
	if err != nil {
		return "", fmt.Errorf("failed to create CA temp file: %w", err)
	}
	if _, err := f.Write(caCert); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write CA temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to close CA temp file: %w", err)
	}
	return f.Name(), nil
}

// ClusterID returns the registry ID of the cluster this handle points at.
func (c *Client) ClusterID() int64 {
	return c.clusterID
}

// Name returns the display name of the cluster.
func (c *Client) Name() string {
	return c.name
}

// Host returns the API server host, for logging after sanitization.
func (c *Client) Host() string {
	return c.host
}

// RESTConfig exposes the underlying REST configuration for consumers that
// build their own specialized clients (log streaming, exec).
func (c *Client) RESTConfig() *rest.Config {
	return c.restConfig
}

// Clientset returns the typed Kubernetes clientset, creating it on first use.
func (c *Client) Clientset() (kubernetes.Interface, error) {
	c.mu.RLock()
	if c.clientset != nil {
		cs := c.clientset
		c.mu.RUnlock()
		return cs, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if c.clientset != nil {
		return c.clientset, nil
	}

	clientset, err := kubernetes.NewForConfig(c.restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}
	c.clientset = clientset
	return clientset, nil
}

// Dynamic returns the dynamic client, creating it on first use.
func (c *Client) Dynamic() (dynamic.Interface, error) {
	c.mu.RLock()
	if c.dynamicClient != nil {
		dc := c.dynamicClient
		c.mu.RUnlock()
		return dc, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dynamicClient != nil {
		return c.dynamicClient, nil
	}

	dynamicClient, err := dynamic.NewForConfig(c.restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}
	c.dynamicClient = dynamicClient
	return dynamicClient, nil
}

// Discovery returns the discovery client, creating it on first use.
func (c *Client) Discovery() (discovery.DiscoveryInterface, error) {
	c.mu.RLock()
	if c.discoveryClient != nil {
		dc := c.discoveryClient
		c.mu.RUnlock()
		return dc, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.discoveryClient != nil {
		return c.discoveryClient, nil
	}

	discoveryClient, err := discovery.NewDiscoveryClientForConfig(c.restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery client: %w", err)
	}
	c.discoveryClient = discoveryClient
	return discoveryClient, nil
}

// Close releases resources held by the handle. Removing the CA temp file is
// guarded so concurrent eviction and pool shutdown cannot double-delete.
func (c *Client) Close() {
	c.cleanupOnce.Do(func() {
		if c.caFile != "" {
			os.Remove(c.caFile)
		}
	})
}

// ping verifies the API server answers. ServerVersion does not accept a
// context; the client's request timeout bounds the call.
func (c *Client) ping() error {
	disco, err := c.Discovery()
	if err != nil {
		return err
	}
	_, err = disco.ServerVersion()
	return err
}

// setClients overrides the lazily built clients, for tests that inject fakes.
func (c *Client) setClients(cs kubernetes.Interface, dyn dynamic.Interface, disco discovery.DiscoveryInterface) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clientset = cs
	c.dynamicClient = dyn
	c.discoveryClient = disco
}

// NewStaticClient wires a handle over already-built API interfaces. The pool
// never calls this; it exists for consumers that bring their own clients,
// typically fakes in tests.
func NewStaticClient(clusterID int64, name string, cs kubernetes.Interface, dyn dynamic.Interface, disco discovery.DiscoveryInterface) *Client {
	c := &Client{
		clusterID: clusterID,
		name:      name,
	}
	c.setClients(cs, dyn, disco)
	return c
}
