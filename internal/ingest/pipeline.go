// Package ingest consumes Sparkplug birth frames from the broker and drives
// them through decode, alias resolution, path normalization, planning, and
// persistence.
package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/secil-digital/uns-metadata-sync/internal/alias"
	"github.com/secil-digital/uns-metadata-sync/internal/planner"
	"github.com/secil-digital/uns-metadata-sync/internal/repository"
	"github.com/secil-digital/uns-metadata-sync/internal/sparkplug"
	"github.com/secil-digital/uns-metadata-sync/internal/unspath"
)

// Metrics exposes the ingest pipeline's observability surface.
type Metrics struct {
	FramesTotal     *prometheus.CounterVec
	MalformedTotal  prometheus.Counter
	MetricsUpserted prometheus.Counter
	SkippedFrames   *prometheus.CounterVec
}

// NewMetrics registers the ingest metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uns_metadata_sync_ingest_frames_total",
			Help: "Birth frames consumed by message type.",
		}, []string{"message_type"}),
		MalformedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uns_metadata_sync_ingest_malformed_total",
			Help: "Frames dropped because decoding failed.",
		}),
		MetricsUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uns_metadata_sync_ingest_metrics_upserted_total",
			Help: "Metric records written by the ingest path.",
		}),
		SkippedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uns_metadata_sync_ingest_skipped_frames_total",
			Help: "Frames not persisted, by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.FramesTotal, m.MalformedTotal, m.MetricsUpserted, m.SkippedFrames)
	}
	return m
}

// FrameMetric is one enriched metric inside a decoded frame.
type FrameMetric struct {
	Name      string         `json:"name"`
	Value     any            `json:"value"`
	Datatype  uint32         `json:"datatype"`
	Timestamp uint64         `json:"ts,omitempty"`
	Props     map[string]any `json:"props,omitempty"`
	UNSPath   string         `json:"uns_path,omitempty"`
	CanaryID  string         `json:"canary_id,omitempty"`

	properties map[string]sparkplug.PropertyValue
}

// Frame is the decoded, enriched form of one birth message.
type Frame struct {
	Topic         string        `json:"topic"`
	DeviceUNSPath string        `json:"device_uns_path,omitempty"`
	Metrics       []FrameMetric `json:"metrics"`
}

// Pipeline turns raw broker messages into repository writes.
type Pipeline struct {
	store         repository.Store
	aliases       *alias.Cache
	ids           *unspath.CanaryIDGenerator
	rebirth       *RebirthThrottle
	frames        *FrameLog
	bulkThreshold int
	metrics       *Metrics
	logger        *zap.Logger
}

// NewPipeline wires the ingest pipeline. frames and metrics may be nil;
// bulkThreshold <= 0 disables the staged bulk path.
func NewPipeline(store repository.Store, aliases *alias.Cache, ids *unspath.CanaryIDGenerator, rebirth *RebirthThrottle, frames *FrameLog, bulkThreshold int, metrics *Metrics, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:         store,
		aliases:       aliases,
		ids:           ids,
		rebirth:       rebirth,
		frames:        frames,
		bulkThreshold: bulkThreshold,
		metrics:       metrics,
		logger:        logger,
	}
}

// HandleMessage processes one broker message end to end. Malformed frames
// are counted and dropped; persistence problems surface as errors.
func (p *Pipeline) HandleMessage(ctx context.Context, rawTopic string, payload []byte) error {
	ctx, span := otel.Tracer("ingest").Start(ctx, "pipeline.HandleMessage")
	defer span.End()
	span.SetAttributes(attribute.String("mqtt.topic", rawTopic))

	topic, err := sparkplug.ParseTopic(rawTopic)
	if err != nil {
		p.countMalformed()
		p.logger.Warn("unparseable topic", zap.String("topic", rawTopic), zap.Error(err))
		return nil
	}
	if !topic.IsBirth() {
		return nil
	}
	if p.metrics != nil {
		p.metrics.FramesTotal.WithLabelValues(topic.MessageType).Inc()
	}

	decoded, err := sparkplug.DecodePayload(payload)
	if err != nil {
		p.countMalformed()
		p.logger.Warn("undecodable payload",
			zap.String("topic", rawTopic),
			zap.Error(err),
		)
		return nil
	}

	p.populateAliases(topic, decoded)
	frame := p.buildFrame(topic, rawTopic, decoded)
	if p.frames != nil {
		p.frames.Append(rawTopic, frame)
	}

	if err := p.persistFrame(ctx, topic, frame); err != nil {
		return fmt.Errorf("persist frame from %s: %w", rawTopic, err)
	}
	return nil
}

func (p *Pipeline) countMalformed() {
	if p.metrics != nil {
		p.metrics.MalformedTotal.Inc()
	}
}

func (p *Pipeline) skip(reason string) {
	if p.metrics != nil {
		p.metrics.SkippedFrames.WithLabelValues(reason).Inc()
	}
}

// populateAliases records alias-to-name mappings from a birth frame. NBIRTH
// fills the node scope, DBIRTH the device scope.
func (p *Pipeline) populateAliases(topic sparkplug.Topic, decoded *sparkplug.Payload) {
	if p.aliases == nil {
		return
	}
	key := alias.Key{Group: topic.Group, EdgeNode: topic.EdgeNode}
	if topic.IsDeviceScoped() {
		key.Device = topic.Device
	}
	for _, metric := range decoded.Metrics {
		if !metric.HasAlias || metric.Alias == 0 || metric.Name == "" {
			continue
		}
		p.aliases.Populate(key, metric.Alias, alias.Info{
			Name:     metric.Name,
			Datatype: metric.Datatype,
			Props:    flattenProps(metric.Properties),
		})
	}
}

// buildFrame resolves names and normalizes paths for every metric.
func (p *Pipeline) buildFrame(topic sparkplug.Topic, rawTopic string, decoded *sparkplug.Payload) Frame {
	frame := Frame{Topic: rawTopic}

	devicePath, err := unspath.NormalizeDevicePath(topic.Group, topic.EdgeNode, topic.Device)
	if err != nil {
		p.logger.Warn("device path rejected",
			zap.String("topic", rawTopic),
			zap.Error(err),
		)
	} else {
		frame.DeviceUNSPath = devicePath
	}

	for _, metric := range decoded.Metrics {
		fm := FrameMetric{
			Name:       p.resolveName(topic, metric),
			Value:      metric.Value,
			Datatype:   metric.Datatype,
			Timestamp:  metric.Timestamp,
			Props:      flattenProps(metric.Properties),
			properties: metric.Properties,
		}
		if fm.Name != "" {
			path, err := unspath.NormalizeMetricPath(topic.Group, topic.EdgeNode, topic.Device, fm.Name)
			if err != nil {
				p.logger.Warn("metric path rejected",
					zap.String("metric", fm.Name),
					zap.String("topic", rawTopic),
					zap.Error(err),
				)
			} else {
				fm.UNSPath = path
				if p.ids != nil {
					if id, err := p.ids.Generate(path); err == nil {
						fm.CanaryID = id.Tag
					}
				}
			}
		}
		frame.Metrics = append(frame.Metrics, fm)
	}
	return frame
}

// resolveName returns the metric's name, falling back to the alias cache and
// then to a placeholder with a throttled rebirth request.
func (p *Pipeline) resolveName(topic sparkplug.Topic, metric sparkplug.Metric) string {
	if metric.Name != "" {
		return metric.Name
	}
	if !metric.HasAlias || metric.Alias == 0 {
		return ""
	}
	if p.aliases != nil {
		key := alias.Key{Group: topic.Group, EdgeNode: topic.EdgeNode}
		if topic.IsDeviceScoped() {
			key.Device = topic.Device
		}
		if info, ok := p.aliases.Resolve(key, metric.Alias); ok {
			return info.Name
		}
	}
	if p.rebirth != nil {
		p.rebirth.MayRequest(topic.Group, topic.EdgeNode, topic.Device)
	}
	return alias.Placeholder(metric.Alias)
}

// persistFrame extracts the device dimensions and writes the frame through
// the planner. Frames without the required dimensions are logged and skipped;
// persistence continues for the next frame.
func (p *Pipeline) persistFrame(ctx context.Context, topic sparkplug.Topic, frame Frame) error {
	if p.store == nil || !topic.IsDeviceScoped() || frame.DeviceUNSPath == "" {
		return nil
	}

	country := extractDimension(frame.Metrics, "country")
	businessUnit := extractDimension(frame.Metrics, "business_unit")
	plant := extractDimension(frame.Metrics, "plant")
	if country == "" || businessUnit == "" || plant == "" {
		p.skip("missing_dimension")
		p.logger.Warn("skipping persistence, frame lacks device dimensions",
			zap.String("topic", frame.Topic),
			zap.Bool("country", country != ""),
			zap.Bool("business_unit", businessUnit != ""),
			zap.Bool("plant", plant != ""),
		)
		return nil
	}

	device := planner.DeviceRecord{
		GroupID:      topic.Group,
		Country:      country,
		BusinessUnit: businessUnit,
		Plant:        plant,
		Edge:         topic.EdgeNode,
		Device:       topic.Device,
		UNSPath:      frame.DeviceUNSPath,
	}

	records := p.metricRecords(frame)
	if len(records) == 0 {
		p.skip("no_metrics")
		return nil
	}

	if p.bulkThreshold > 0 && len(records) >= p.bulkThreshold {
		outcome, err := p.store.ApplyBulk(ctx, device, records)
		if err != nil {
			return err
		}
		if p.metrics != nil {
			p.metrics.MetricsUpserted.Add(float64(outcome.MetricUpserts))
		}
		p.logger.Info("frame persisted via bulk path",
			zap.String("device", device.UNSPath),
			zap.Int64("metrics", outcome.MetricUpserts),
			zap.Int64("properties", outcome.PropertyUpserts),
			zap.Int64("lineage", outcome.LineageRows),
		)
		return nil
	}

	key := repository.DeviceKey{GroupID: topic.Group, Edge: topic.EdgeNode, Device: topic.Device}
	for _, record := range records {
		deviceSnap, _, err := p.store.SnapshotDevice(ctx, key)
		if err != nil {
			return err
		}
		metricSnap, _, err := p.store.SnapshotMetric(ctx, key, record.Name)
		if err != nil {
			return err
		}
		plan := planner.BuildPlan(deviceSnap, metricSnap, device, record)
		if plan.IsNoop() {
			continue
		}
		if _, err := p.store.ApplyPlan(ctx, plan, device, record); err != nil {
			return err
		}
		if p.metrics != nil {
			p.metrics.MetricsUpserted.Inc()
		}
	}
	return nil
}

// metricRecords converts the frame's metrics into planner records, skipping
// entries with no usable name, path, or datatype.
func (p *Pipeline) metricRecords(frame Frame) []planner.MetricRecord {
	records := make([]planner.MetricRecord, 0, len(frame.Metrics))
	for _, fm := range frame.Metrics {
		if fm.Name == "" || fm.UNSPath == "" {
			continue
		}
		if fm.Datatype == sparkplug.DataTypeUnknown {
			p.logger.Warn("skipping metric with unknown datatype", zap.String("metric", fm.Name))
			continue
		}
		record := planner.MetricRecord{
			Name:       fm.Name,
			UNSPath:    fm.UNSPath,
			Datatype:   sparkplug.DataTypeName(fm.Datatype),
			Properties: make(map[string]planner.PropertyValue, len(fm.properties)),
		}
		for pkey, pv := range fm.properties {
			value, ok, err := planner.PropertyFromSparkplug(pkey, pv)
			if err != nil {
				p.logger.Warn("skipping property",
					zap.String("metric", fm.Name),
					zap.Error(err),
				)
				continue
			}
			if ok {
				record.Properties[pkey] = value
			}
		}
		records = append(records, record)
	}
	return records
}

// extractDimension finds a string-valued metric by case-insensitive name.
func extractDimension(metrics []FrameMetric, name string) string {
	for _, metric := range metrics {
		if !strings.EqualFold(metric.Name, name) {
			continue
		}
		switch v := metric.Value.(type) {
		case string:
			if trimmed := strings.TrimSpace(v); trimmed != "" {
				return trimmed
			}
		case nil:
		default:
			return fmt.Sprint(v)
		}
	}
	return ""
}

// flattenProps projects a decoded property set into a JSON-friendly map for
// the frame log and the alias cache.
func flattenProps(props map[string]sparkplug.PropertyValue) map[string]any {
	if len(props) == 0 {
		return nil
	}
	out := make(map[string]any, len(props))
	for key, pv := range props {
		out[key] = flattenPropValue(pv)
	}
	return out
}

func flattenPropValue(pv sparkplug.PropertyValue) any {
	switch v := pv.Value.(type) {
	case map[string]sparkplug.PropertyValue:
		return flattenProps(v)
	case []map[string]sparkplug.PropertyValue:
		list := make([]any, 0, len(v))
		for _, item := range v {
			list = append(list, flattenProps(item))
		}
		return list
	default:
		return v
	}
}
