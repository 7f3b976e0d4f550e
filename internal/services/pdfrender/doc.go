// Package pdfrender converts Markdown briefings into styled PDF documents.
//
// Goldmark renders the Markdown body, an HTML template supplies the page
// chrome (running header, page counter, generation date), and the WeasyPrint
// CLI turns the document into PDF bytes over stdin/stdout. PDFs are rendered
// on demand when a summary export is first requested, so the renderer is
// safe for concurrent use.
package pdfrender
