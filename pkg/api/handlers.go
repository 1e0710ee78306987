package api

import (
	"encoding/json"
	"html/template"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/sqlgrid/sqlgrid/pkg/executor"
	"github.com/sqlgrid/sqlgrid/pkg/executor/admission"
	"github.com/sqlgrid/sqlgrid/pkg/executor/taskpool"
	"github.com/sqlgrid/sqlgrid/pkg/util"
	util_log "github.com/sqlgrid/sqlgrid/pkg/util/log"
)

const (
	SectionAdminEndpoints = "Admin Endpoints:"
	SectionExecutor       = "Executor:"
)

func newIndexPageContent() *IndexPageContent {
	return &IndexPageContent{
		content: map[string]map[string]string{},
	}
}

// IndexPageContent is a map of sections to path -> description.
type IndexPageContent struct {
	mu      sync.Mutex
	content map[string]map[string]string
}

func (pc *IndexPageContent) AddLink(section, path, description string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	sectionMap := pc.content[section]
	if sectionMap == nil {
		sectionMap = make(map[string]string)
		pc.content[section] = sectionMap
	}

	sectionMap[path] = description
}

func (pc *IndexPageContent) GetContent() map[string]map[string]string {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	result := map[string]map[string]string{}
	for k, v := range pc.content {
		sm := map[string]string{}
		for smK, smV := range v {
			sm[smK] = smV
		}
		result[k] = sm
	}
	return result
}

var indexPageTemplate = `
<!DOCTYPE html>
<html>
	<head>
		<meta charset="UTF-8">
		<title>SQLGrid Executor</title>
	</head>
	<body>
		<h1>SQLGrid Executor</h1>
		{{ range $s, $links := . }}
		<p>{{ $s }}</p>
		<ul>
			{{ range $path, $desc := $links }}
				<li><a href="{{ $path }}">{{ $desc }}</a></li>
			{{ end }}
		</ul>
		{{ end }}
	</body>
</html>`

func indexHandler(content *IndexPageContent) http.HandlerFunc {
	templ := template.Must(template.New("main").Parse(indexPageTemplate))

	return func(w http.ResponseWriter, r *http.Request) {
		err := templ.Execute(w, content.GetContent())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

func configHandler(cfg interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/yaml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(out)
	}
}

// startFragmentHandler accepts one fragment-start command. The response code
// tells the coordinator whether to retry: admission denial is back-pressure,
// a duplicate handle is a protocol bug on its side, and shutdown means this
// node is going away.
func startFragmentHandler(e Executor, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var spec executor.PlanSpec
		if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
			http.Error(w, errors.Wrap(err, "decode fragment spec").Error(), http.StatusBadRequest)
			return
		}

		err := e.StartFragment(r.Context(), spec)
		if err == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}

		var (
			denied    admission.AdmissionDeniedError
			duplicate executor.DuplicateFragmentError
		)
		switch {
		case errors.As(err, &denied):
			http.Error(w, err.Error(), http.StatusTooManyRequests)
		case errors.As(err, &duplicate):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, executor.ErrExecutorNotRunning) || errors.Is(err, taskpool.ErrPoolClosed):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		default:
			level.Error(util_log.WithContext(r.Context(), logger)).Log("msg", "failed to start fragment", "fragment", spec.Handle, "err", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

func cancelFragmentHandler(e Executor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		handle, err := handleFromRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if !e.CancelFragment(handle) {
			http.Error(w, "unknown fragment "+handle.String(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func handleFromRequest(r *http.Request) (executor.FragmentHandle, error) {
	vars := mux.Vars(r)

	queryID, err := strconv.ParseUint(vars["queryID"], 10, 64)
	if err != nil {
		return executor.FragmentHandle{}, errors.Wrap(err, "parse query id")
	}
	major, err := strconv.ParseInt(vars["major"], 10, 32)
	if err != nil {
		return executor.FragmentHandle{}, errors.Wrap(err, "parse major fragment id")
	}
	minor, err := strconv.ParseInt(vars["minor"], 10, 32)
	if err != nil {
		return executor.FragmentHandle{}, errors.Wrap(err, "parse minor fragment id")
	}

	return executor.MakeFragmentHandle(queryID, int32(major), int32(minor)), nil
}

func listFragmentsHandler(e Executor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSONResponse(w, e.RunningFragments())
	}
}

func listTicketsHandler(e Executor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSONResponse(w, e.Tickets())
	}
}

type workStatsResponse struct {
	ClusterLoad    *float64              `json:"cluster_load,omitempty"`
	ClusterError   string                `json:"cluster_error,omitempty"`
	MaxWidthFactor float64               `json:"max_width_factor"`
	SlicingThreads []taskpool.ThreadInfo `json:"slicing_threads"`
}

func workStatsHandler(ws WorkStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := workStatsResponse{
			MaxWidthFactor: ws.MaxWidthFactor(),
			SlicingThreads: ws.SlicingThreads(),
		}

		if load, err := ws.ClusterLoad(); err != nil {
			resp.ClusterError = err.Error()
		} else {
			resp.ClusterLoad = &load
		}

		util.WriteJSONResponse(w, resp)
	}
}
