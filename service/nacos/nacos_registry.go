package nacos

import (
	"strconv"

	"PPRealtime/logger"
	"PPRealtime/tools/errs"

	"github.com/nacos-group/nacos-sdk-go/v2/model"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"go.uber.org/zap"
)

// Naming naming_client.INamingClient 的子集
type Naming interface {
	RegisterInstance(param vo.RegisterInstanceParam) (bool, error)
	DeregisterInstance(param vo.DeregisterInstanceParam) (bool, error)
	SelectInstances(param vo.SelectInstancesParam) ([]model.Instance, error)
}

// Registry 网关节点注册：其他服务据此找到持有 websocket 的节点
type Registry struct {
	ServiceName string
	Group       string
	IP          string
	Port        uint64
	NodeID      string
	GrpcPort    int

	client Naming
}

func NewRegistry(client Naming, serviceName, group, ip string, port uint64, nodeID string, grpcPort int) *Registry {
	if group == "" {
		group = "DEFAULT_GROUP"
	}
	return &Registry{
		ServiceName: serviceName,
		Group:       group,
		IP:          ip,
		Port:        port,
		NodeID:      nodeID,
		GrpcPort:    grpcPort,
		client:      client,
	}
}

func (r *Registry) metadata() map[string]string {
	return map[string]string{
		"protocol": "ws",
		"path":     "/ws",
		"node":     r.NodeID,
		"grpcPort": strconv.Itoa(r.GrpcPort),
	}
}

func (r *Registry) Register() error {
	ok, err := r.client.RegisterInstance(vo.RegisterInstanceParam{
		Ip:          r.IP,
		Port:        r.Port,
		ServiceName: r.ServiceName,
		GroupName:   r.Group,
		ClusterName: "DEFAULT",
		Weight:      1,
		Enable:      true,
		Healthy:     true,
		Ephemeral:   true,
		Metadata:    r.metadata(),
	})
	if err != nil {
		return errs.WrapMsg(err, "nacos register", "service", r.ServiceName)
	}
	if !ok {
		return errs.New("nacos register returned false", "service", r.ServiceName)
	}
	logger.Info("[Nacos] registered", zap.String("service", r.ServiceName), zap.String("node", r.NodeID),
		zap.String("ip", r.IP), zap.Uint64("port", r.Port))
	return nil
}

func (r *Registry) Deregister() error {
	_, err := r.client.DeregisterInstance(vo.DeregisterInstanceParam{
		Ip:          r.IP,
		Port:        r.Port,
		ServiceName: r.ServiceName,
		GroupName:   r.Group,
		Cluster:     "DEFAULT",
		Ephemeral:   true,
	})
	if err != nil {
		return errs.WrapMsg(err, "nacos deregister", "service", r.ServiceName)
	}
	return nil
}

// Nodes 健康的网关节点：nodeID -> ip:port
func (r *Registry) Nodes() (map[string]string, error) {
	instances, err := r.client.SelectInstances(vo.SelectInstancesParam{
		ServiceName: r.ServiceName,
		GroupName:   r.Group,
		HealthyOnly: true,
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "nacos select instances", "service", r.ServiceName)
	}
	out := make(map[string]string, len(instances))
	for _, inst := range instances {
		out[inst.Metadata["node"]] = inst.Ip + ":" + strconv.FormatUint(inst.Port, 10)
	}
	return out, nil
}
