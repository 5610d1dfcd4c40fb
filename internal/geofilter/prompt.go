package geofilter

import (
	"fmt"
	"strings"
)

// systemPrompt is identical for every batch so providers can cache it.
const systemPrompt = `You decide whether companies satisfy the geographic requirement of a Portuguese public funding program.

NUTS II regions and the districts they cover:
- Norte: Viana do Castelo, Braga, Porto, Vila Real, Bragança, northern Aveiro (Entre Douro e Vouga), northern Viseu (Douro), northern Guarda (Douro Superior)
- Centro: Aveiro, Coimbra, Leiria, Viseu, Guarda, Castelo Branco, western Santarém and northern Lisboa district (Oeste)
- Lisboa (Grande Lisboa and Península de Setúbal): Lisboa district except Oeste, northern Setúbal district
- Alentejo: Portalegre, Évora, Beja, southern Setúbal (Alentejo Litoral), Santarém (Lezíria do Tejo)
- Algarve: Faro
- Região Autónoma dos Açores
- Região Autónoma da Madeira

Rules:
- "Nacional" or "todo o território" means anywhere in Portugal.
- "Continente" means mainland Portugal, excluding Açores and Madeira.
- A named municipality, district or NUTS III subregion admits only companies located inside it.
- A company located outside Portugal is never eligible.
- Decide from the address only. If the address does not let you place the company, answer false.

Answer with one JSON object mapping every company id to true or false and nothing else.`

// userPrompt lists one batch of companies.
func userPrompt(requirement string, batch []Subject) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Geographic requirement: %s\n\nCompanies:\n", strings.TrimSpace(requirement))
	for _, s := range batch {
		fmt.Fprintf(&b, "%s: %s\n", s.CompanyID, oneLine(s.Address))
	}
	b.WriteString("\nReturn JSON only: {\"<company_id>\": true|false, ...}\n")
	return b.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
