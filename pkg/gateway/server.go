package gateway

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics count gateway responses. A nil *Metrics records nothing.
type Metrics struct {
	responses *prometheus.CounterVec
	bytes     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datareader",
			Subsystem: "gateway",
			Name:      "responses_total",
			Help:      "Object GET responses, by HTTP status",
		}, []string{"code"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datareader",
			Subsystem: "gateway",
			Name:      "bytes_served_total",
			Help:      "Object bytes written to clients",
		}),
	}
	if err := reg.Register(m.responses); err != nil {
		return nil, err
	}
	if err := reg.Register(m.bytes); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) response(code int) {
	if m != nil {
		m.responses.WithLabelValues(strconv.Itoa(code)).Inc()
	}
}

func (m *Metrics) served(n int) {
	if m != nil {
		m.bytes.Add(float64(n))
	}
}

type Server struct {
	h http.Handler
}

// New mounts the object handler next to the liveness and metrics
// endpoints.
func New(objects *Handler, gatherer prometheus.Gatherer) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	r.Mount("/", objects.R)

	return &Server{h: r}
}

func (s *Server) Handler() http.Handler {
	return s.h
}
