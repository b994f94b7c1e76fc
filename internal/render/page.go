package render

import (
	"bytes"
	"fmt"
	"html/template"
	"path/filepath"

	"github.com/Shaydu/mondrian/internal/types"
)

// pageTemplate is the analysis result page served by GET /analysis/{id}.
var pageTemplate = template.Must(template.New("analysis").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Critique: {{.Image}}</title>
<style>
body { font-family: Georgia, serif; max-width: 52rem; margin: 2rem auto; padding: 0 1rem; color: #222; }
h1 { border-bottom: 2px solid #222; padding-bottom: .3rem; }
h2 { margin-top: 2.2rem; }
table { border-collapse: collapse; margin: 1rem 0; }
td, th { border: 1px solid #999; padding: .3rem .8rem; text-align: left; }
.grade { font-size: 1.4rem; font-weight: bold; }
.degraded { color: #875; font-style: italic; }
.meta { color: #666; }
</style>
</head>
<body>
<h1>Critique: {{.Image}}</h1>
<p class="meta">Mode: {{.Mode}} · {{len .Sections}} advisor(s)</p>
{{range .Sections}}
<h2>{{.Advisor}} <span class="grade">{{.Grade}}</span></h2>
{{if .Degraded}}<p class="degraded">Reference retrieval was unavailable; this critique ran without portfolio context.</p>{{end}}
<table>
<tr><th>Dimension</th><th>Score</th><th>Comment</th></tr>
{{range .Rows}}<tr><td>{{.Label}}</td><td>{{.Score}}</td><td>{{.Comment}}</td></tr>
{{end}}</table>
{{end}}
</body>
</html>
`))

type pageRow struct {
	Label   string
	Score   string
	Comment string
}

type pageSection struct {
	Advisor  string
	Grade    string
	Degraded bool
	Rows     []pageRow
}

type pageData struct {
	Image    string
	Mode     types.Mode
	Sections []pageSection
}

// Page renders the HTML analysis page for a finished job.
func Page(job *types.Job, advisors map[string]*types.Advisor) ([]byte, error) {
	data := pageData{
		Image: filepath.Base(job.ImagePath),
		Mode:  job.ModeUsed,
	}
	for _, id := range job.AdvisorIDs {
		res, ok := job.Results[id]
		if !ok || res == nil {
			continue
		}
		name := id
		if adv, ok := advisors[id]; ok && adv.DisplayName != "" {
			name = adv.DisplayName
		}
		sec := pageSection{Advisor: name, Grade: res.Analysis.OverallGrade, Degraded: res.Degraded}
		for i, dim := range types.DimensionNames {
			ds := res.Analysis.Dimension(i)
			sec.Rows = append(sec.Rows, pageRow{
				Label:   dimensionLabel(dim),
				Score:   fmt.Sprintf("%.1f", ds.Score),
				Comment: ds.Comment,
			})
		}
		data.Sections = append(data.Sections, sec)
	}

	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render analysis page: %w", err)
	}
	return buf.Bytes(), nil
}
