package main

import (
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"

	"github.com/vitalvas/emq"
)

// adminService is the JSON-RPC 2.0 service mounted at /rpc under the name
// "broker".
type adminService struct {
	srv     *emq.Server
	metrics *emq.MemoryMetrics
}

// NoArgs is the parameter type of methods that take none.
type NoArgs struct{}

// StatReply mirrors emq.Stat with JSON names.
type StatReply struct {
	Version            string  `json:"version"`
	UptimeSeconds      int64   `json:"uptime_seconds"`
	UsedCPUSys         float64 `json:"used_cpu_sys"`
	UsedCPUUser        float64 `json:"used_cpu_user"`
	UsedMemory         uint64  `json:"used_memory"`
	UsedMemoryRSS      uint64  `json:"used_memory_rss"`
	FragmentationRatio float64 `json:"fragmentation_ratio"`
	Clients            uint32  `json:"clients"`
	Users              uint32  `json:"users"`
	Queues             uint32  `json:"queues"`
	Routes             uint32  `json:"routes"`
	Channels           uint32  `json:"channels"`
}

func newStatReply(st emq.Stat) StatReply {
	return StatReply{
		Version:            st.Version.String(),
		UptimeSeconds:      int64(st.Uptime / time.Second),
		UsedCPUSys:         st.UsedCPUSys,
		UsedCPUUser:        st.UsedCPUUser,
		UsedMemory:         st.UsedMemory,
		UsedMemoryRSS:      st.UsedMemoryRSS,
		FragmentationRatio: st.FragmentationRatio,
		Clients:            st.Clients,
		Users:              st.Users,
		Queues:             st.Queues,
		Routes:             st.Routes,
		Channels:           st.Channels,
	}
}

// ClientsReply lists the connected client ids.
type ClientsReply struct {
	Count int      `json:"count"`
	IDs   []string `json:"ids"`
}

// MetricsReply holds broker counter totals summed over their labels, plus
// the open connection gauge.
type MetricsReply struct {
	Connections float64            `json:"connections"`
	Counters    map[string]float64 `json:"counters"`
}

var adminCounters = []string{
	emq.MetricConnectionsTotal,
	emq.MetricCommandsHandled,
	emq.MetricMessagesDelivered,
	emq.MetricBytesReceived,
	emq.MetricBytesSent,
}

// Stat returns the broker statistics.
func (a *adminService) Stat(_ *http.Request, _ *NoArgs, reply *StatReply) error {
	*reply = newStatReply(a.srv.Stat())
	return nil
}

// Clients returns the ids of the connected clients in sorted order.
func (a *adminService) Clients(_ *http.Request, _ *NoArgs, reply *ClientsReply) error {
	ids := a.srv.Clients()
	sort.Strings(ids)
	reply.IDs = ids
	reply.Count = len(ids)
	return nil
}

// Metrics returns the broker counters.
func (a *adminService) Metrics(_ *http.Request, _ *NoArgs, reply *MetricsReply) error {
	reply.Connections = a.metrics.GaugeValue(emq.MetricConnections, nil)
	reply.Counters = make(map[string]float64, len(adminCounters))
	for _, name := range adminCounters {
		reply.Counters[name] = a.metrics.CounterSum(name)
	}
	return nil
}

func newAdminHandler(srv *emq.Server, metrics *emq.MemoryMetrics) (http.Handler, error) {
	s := rpc.NewServer()
	s.RegisterCodec(json2.NewCodec(), "application/json")
	if err := s.RegisterService(&adminService{srv: srv, metrics: metrics}, "broker"); err != nil {
		return nil, err
	}
	return s, nil
}
