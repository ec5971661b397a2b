package discovery

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/consul/api"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/SafeMPC/lit-client/internal/config"
	"github.com/SafeMPC/lit-client/internal/mpc/protocol"
)

const defaultScheme = "https"

// ServiceInfo 节点服务实例
type ServiceInfo struct {
	ID      string
	Name    string
	Address string
	Port    int
	Tags    []string
	Meta    map[string]string
	Weight  int
}

// URL 实例的节点地址，scheme 取自 meta "scheme" 或标签 "scheme:<x>"
func (s *ServiceInfo) URL() string {
	scheme := s.Meta["scheme"]
	if scheme == "" {
		scheme = extractTag(s.Tags, "scheme:")
	}
	if scheme == "" {
		scheme = defaultScheme
	}
	return fmt.Sprintf("%s://%s:%d", scheme, s.Address, s.Port)
}

// ConsulDiscovery 从 Consul 的健康实例中获取节点地址
type ConsulDiscovery struct {
	client  *api.Client
	service string
	tags    []string
}

var _ NodeDiscovery = (*ConsulDiscovery)(nil)

// NewConsulDiscovery 创建 Consul 发现
func NewConsulDiscovery(cfg config.Discovery) (*ConsulDiscovery, error) {
	if cfg.ConsulAddress == "" {
		return nil, protocol.NewInvalidParamError("consul address is required")
	}
	if cfg.ConsulService == "" {
		return nil, protocol.NewInvalidParamError("consul service name is required")
	}

	apiConfig := api.DefaultConfig()
	apiConfig.Address = cfg.ConsulAddress

	client, err := api.NewClient(apiConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create consul client")
	}

	return &ConsulDiscovery{
		client:  client,
		service: cfg.ConsulService,
		tags:    cfg.ConsulTags,
	}, nil
}

// Discover 返回通过健康检查的实例
func (c *ConsulDiscovery) Discover(ctx context.Context) ([]*ServiceInfo, error) {
	opts := (&api.QueryOptions{}).WithContext(ctx)
	entries, _, err := c.client.Health().ServiceMultipleTags(c.service, c.tags, true, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to discover service %s", c.service)
	}

	result := make([]*ServiceInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.Service == nil {
			continue
		}
		info := &ServiceInfo{
			ID:      entry.Service.ID,
			Name:    entry.Service.Service,
			Address: entry.Service.Address,
			Port:    entry.Service.Port,
			Tags:    entry.Service.Tags,
			Meta:    entry.Service.Meta,
		}
		// 服务未声明地址时使用所在节点地址
		if info.Address == "" && entry.Node != nil {
			info.Address = entry.Node.Address
		}
		if weightStr, ok := entry.Service.Meta["weight"]; ok {
			if weight, err := strconv.Atoi(weightStr); err == nil {
				info.Weight = weight
			}
		}
		result = append(result, info)
	}

	log.Debug().
		Str("service_name", c.service).
		Strs("tags", c.tags).
		Int("found_services", len(result)).
		Msg("Service discovery completed")

	return result, nil
}

// BootstrapURLs 健康实例的节点地址，按地址排序
func (c *ConsulDiscovery) BootstrapURLs(ctx context.Context) ([]string, error) {
	services, err := c.Discover(ctx)
	if err != nil {
		return nil, err
	}
	if len(services) == 0 {
		return nil, protocol.NewError(protocol.KindThresholdNotMet, "no healthy %s instances registered", c.service)
	}

	urls := make([]string, 0, len(services))
	for _, s := range services {
		urls = append(urls, s.URL())
	}
	urls = dedupe(urls)
	sort.Strings(urls)
	return urls, nil
}

// New 按配置选择引导方式：显式地址优先，其次 Consul
func New(cfg config.Client) (NodeDiscovery, error) {
	if len(cfg.BootstrapURLs) > 0 {
		return NewStaticDiscovery(cfg.BootstrapURLs), nil
	}
	return NewConsulDiscovery(cfg.Discovery)
}

func extractTag(tags []string, prefix string) string {
	for _, tag := range tags {
		if strings.HasPrefix(tag, prefix) && len(tag) > len(prefix) {
			return tag[len(prefix):]
		}
	}
	return ""
}
