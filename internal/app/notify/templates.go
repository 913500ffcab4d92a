package notify

import (
	"bytes"
	htmltemplate "html/template"
	texttemplate "text/template"
)

// ReportReadySubject is the subject line of the report-ready email.
const ReportReadySubject = "Your Car Inspection Report is Ready!"

const reportReadyHTML = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"></head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
  <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
    <div style="background: #ffffff; padding: 20px; text-align: center; border: 1px solid #e5e7eb; border-bottom: none;">
      <div style="font-size: 24px; font-weight: bold; color: #1a1a1a;">Car Rep<span style="color: #2563eb;">AI</span>r</div>
      <div style="font-size: 14px; color: #6b7280;">Estimator</div>
    </div>
    <div style="background: #f9fafb; padding: 20px; border: 1px solid #e5e7eb;">
      <h2>Hello{{if .Name}}, {{.Name}}{{end}}!</h2>
      <p>Great news! Your car inspection report is now ready.</p>
      <p>Our AI has analyzed your vehicle images and prepared a detailed damage assessment with repair cost estimates.</p>
      <p style="text-align: center;">
        <a href="{{.Link}}" style="display: inline-block; background: #059669; color: white; padding: 12px 24px; text-decoration: none; border-radius: 6px;">View Report</a>
      </p>
    </div>
    <div style="text-align: center; padding: 20px; color: #6b7280; font-size: 12px;">
      <p>This email was sent by Car RepAIr - AI-powered car inspection service.</p>
    </div>
  </div>
</body>
</html>
`

const reportReadyText = `Hello{{if .Name}}, {{.Name}}{{end}}!

Great news! Your car inspection report is now ready.

Our AI has analyzed your vehicle images and prepared a detailed damage assessment with repair cost estimates.
View your report: {{.Link}}

---
Car RepAIr - AI-powered car inspection service
`

var (
	reportReadyHTMLTmpl = htmltemplate.Must(htmltemplate.New("html").Parse(reportReadyHTML))
	reportReadyTextTmpl = texttemplate.Must(texttemplate.New("text").Parse(reportReadyText))
)

type reportReadyData struct {
	Name string
	Link string
}

// renderReportReady returns the HTML and text bodies of the report-ready email.
func renderReportReady(name, link string) (html, text string, err error) {
	data := reportReadyData{Name: name, Link: link}

	var hb, tb bytes.Buffer
	if err := reportReadyHTMLTmpl.Execute(&hb, data); err != nil {
		return "", "", err
	}
	if err := reportReadyTextTmpl.Execute(&tb, data); err != nil {
		return "", "", err
	}
	return hb.String(), tb.String(), nil
}
