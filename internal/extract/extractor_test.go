package extract

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pageTemplate = `<html><head><title>Processo</title><script>var x = 1;</script></head>
<body>
<div class="cabecalho">
  <span class="classe-processual">ADI</span>
  <table class="dados">
    <tr><td>Assunto:</td><td>Direito Administrativo</td></tr>
    <tr><td>Relator: MIN. FULANO</td></tr>
    <tr><td>Origem</td><td>DF - DISTRITO FEDERAL</td></tr>
    <tr><td>Data de Autuação:</td><td>01/02/2020</td></tr>
  </table>
  <span class="status">Situação: Em tramitação</span>
</div>
<table class="partes">
  <tr><td>Requerente: PARTIDO EXEMPLO (1234/DF)</td></tr>
  <tr><td>Requerido: PRESIDENTE DA REPÚBLICA</td></tr>
  <tr><td>Advogado: BELTRANO DE TAL</td></tr>
  <tr><td>Interessado: ALGUÉM</td></tr>
</table>
<table class="movimentacoes">
  <tr><th>Data</th><th>Andamento</th></tr>
  <tr><td>10/03/2020</td><td>Conclusos ao relator</td></tr>
  <tr><td>11/03/2020</td><td>Despacho   proferido</td></tr>
</table>
<a href="/downloadPeca.asp?id=1&ext=.pdf">Inteiro teor</a>
<a href="https://portal.stf.jus.br/documento/acordao/123">Acórdão</a>
<a href="/processos/outro">Outro processo</a>
<div class="decisao">%s</div>
<div class="decisao">curta</div>
<div class="texto-integral"><nav>menu</nav><p>%s</p><p>Segundo parágrafo &amp; fim.</p><script>evil()</script></div>
</body></html>`

func testPage() []byte {
	decision := "Decisão monocrática: " + strings.Repeat("o pedido é indeferido. ", 8)
	body := strings.Repeat("Texto integral da peça processual. ", 20)
	return []byte(fmt.Sprintf(pageTemplate, decision, body))
}

func TestParseExtractsFields(t *testing.T) {
	t.Parallel()

	e, err := New("https://portal.stf.jus.br")
	require.NoError(t, err)

	f, err := e.Parse(testPage(), "https://portal.stf.jus.br/processos/detalhe.asp?incidente=1")
	require.NoError(t, err)

	assert.Equal(t, "ADI", f.Class)
	assert.Equal(t, "Direito Administrativo", f.Subject)
	assert.Equal(t, "MIN. FULANO", f.Rapporteur)
	assert.Equal(t, "DF - DISTRITO FEDERAL", f.Origin)
	assert.Equal(t, "01/02/2020", f.FiledAt)
	assert.Equal(t, "Em tramitação", f.Status)
	assert.Equal(t, "https://portal.stf.jus.br/processos/detalhe.asp?incidente=1", f.URL)

	require.Len(t, f.Parties, 3)
	assert.Equal(t, "Requerente", f.Parties[0].Role)
	assert.Equal(t, "PARTIDO EXEMPLO", f.Parties[0].Name)
	assert.Equal(t, "Requerido", f.Parties[1].Role)
	assert.Equal(t, "Advogado", f.Parties[2].Role)

	require.Len(t, f.Movements, 2)
	assert.Equal(t, "10/03/2020", f.Movements[0].Date)
	assert.Equal(t, "Despacho proferido", f.Movements[1].Description)

	require.Len(t, f.Documents, 2)
	assert.Equal(t, "https://portal.stf.jus.br/downloadPeca.asp?id=1&ext=.pdf", f.Documents[0].URL)
	assert.Equal(t, "PDF", f.Documents[0].Kind)
	assert.Equal(t, "Acórdão", f.Documents[1].Kind)

	require.Len(t, f.Decisions, 1)
	assert.Equal(t, "Decisão Monocrática", f.Decisions[0].Kind)

	assert.Contains(t, f.FullText, "Texto integral da peça processual.")
	assert.Contains(t, f.FullText, "Segundo parágrafo & fim.")
	assert.NotContains(t, f.FullText, "menu")
	assert.NotContains(t, f.FullText, "evil")
	assert.False(t, f.Empty())
	assert.True(t, f.Complete())
}

func TestParseEmptyPage(t *testing.T) {
	t.Parallel()

	e, err := New("https://portal.stf.jus.br")
	require.NoError(t, err)
	f, err := e.Parse([]byte("<html><body><p>Processo não encontrado</p></body></html>"), "")
	require.NoError(t, err)
	assert.True(t, f.Empty())
}

func TestCleanHelpers(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Relatório final", Clean("Relato\u0301rio final"))
	assert.Equal(t, "Relatório final", Clean("  Relatório \n\t final "))
	assert.Equal(t, "linha um\nlinha dois", CleanMultiline("  linha   um \n\n\n  linha dois  \n"))
}
