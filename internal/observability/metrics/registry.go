package metrics

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
)

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

// family 描述一组同名序列及其标签。
type family struct {
	name    string
	help    string
	kind    kind
	labels  []string
	buckets []float64
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{buckets: buckets, counts: make([]uint64, len(buckets))}
}

// observe 累加到所有上界不小于 value 的桶；超出最后一个桶的值只计入 count（+Inf）。
func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
}

// sampler 在抓取时读取 gauge 的当前值，键为唯一标签的取值。
type sampler func() map[string]float64

// registry 保存全部序列，按声明顺序输出 Prometheus 文本格式。
type registry struct {
	mu       sync.Mutex
	families []family
	index    map[string]int
	values   map[string]map[string]float64
	hists    map[string]map[string]*histogram
	samplers map[string]sampler
}

func newRegistry(families ...family) *registry {
	r := &registry{
		families: families,
		index:    make(map[string]int, len(families)),
		values:   make(map[string]map[string]float64),
		hists:    make(map[string]map[string]*histogram),
		samplers: make(map[string]sampler),
	}
	for i, f := range families {
		r.index[f.name] = i
	}
	return r
}

const labelSep = "\xff"

func (r *registry) lookup(name string, want kind, values []string) (family, bool) {
	i, ok := r.index[name]
	if !ok {
		return family{}, false
	}
	f := r.families[i]
	return f, f.kind == want && len(values) == len(f.labels)
}

func (r *registry) add(name string, delta float64, values ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.lookup(name, kindCounter, values); !ok {
		return
	}
	series := r.values[name]
	if series == nil {
		series = make(map[string]float64)
		r.values[name] = series
	}
	series[strings.Join(values, labelSep)] += delta
}

func (r *registry) value(name string, values ...string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.values[name][strings.Join(values, labelSep)]
}

func (r *registry) observe(name string, v float64, values ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.lookup(name, kindHistogram, values)
	if !ok {
		return
	}
	series := r.hists[name]
	if series == nil {
		series = make(map[string]*histogram)
		r.hists[name] = series
	}
	key := strings.Join(values, labelSep)
	h := series[key]
	if h == nil {
		h = newHistogram(f.buckets)
		series[key] = h
	}
	h.observe(v)
}

func (r *registry) sample(name string, fn sampler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.lookup(name, kindGauge, []string{""}); ok && len(f.labels) == 1 {
		r.samplers[name] = fn
	}
}

// write 先在锁外调用 sampler，再在锁内输出全部序列。
func (r *registry) write(w io.Writer) error {
	r.mu.Lock()
	samplers := make(map[string]sampler, len(r.samplers))
	for name, fn := range r.samplers {
		samplers[name] = fn
	}
	r.mu.Unlock()
	gauges := make(map[string]map[string]float64, len(samplers))
	for name, fn := range samplers {
		gauges[name] = fn()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	for _, f := range r.families {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s %s\n", f.name, f.help, f.name, f.kind)
		switch f.kind {
		case kindHistogram:
			series := r.hists[f.name]
			for _, key := range sortedKeys(series) {
				h := series[key]
				labels := splitLabels(key)
				for idx, bound := range h.buckets {
					fmt.Fprintf(&b, "%s_bucket%s %d\n", f.name, formatLabels(f.labels, labels, formatFloat(bound)), h.counts[idx])
				}
				fmt.Fprintf(&b, "%s_bucket%s %d\n", f.name, formatLabels(f.labels, labels, "+Inf"), h.count)
				fmt.Fprintf(&b, "%s_sum%s %s\n", f.name, formatLabels(f.labels, labels, ""), formatFloat(h.sum))
				fmt.Fprintf(&b, "%s_count%s %d\n", f.name, formatLabels(f.labels, labels, ""), h.count)
			}
		case kindGauge:
			series := gauges[f.name]
			for _, key := range sortedKeys(series) {
				fmt.Fprintf(&b, "%s%s %s\n", f.name, formatLabels(f.labels, []string{key}, ""), formatFloat(series[key]))
			}
		default:
			series := r.values[f.name]
			for _, key := range sortedKeys(series) {
				fmt.Fprintf(&b, "%s%s %s\n", f.name, formatLabels(f.labels, splitLabels(key), ""), formatFloat(series[key]))
			}
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func splitLabels(key string) []string {
	return strings.Split(key, labelSep)
}

// formatLabels 拼接 {name="value",...}，le 非空时追加桶上界。
func formatLabels(names, values []string, le string) string {
	if len(names) == 0 && le == "" {
		return ""
	}
	parts := make([]string, 0, len(names)+1)
	for i, name := range names {
		parts = append(parts, fmt.Sprintf("%s=\"%s\"", name, escape(values[i])))
	}
	if le != "" {
		parts = append(parts, fmt.Sprintf("le=\"%s\"", le))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
