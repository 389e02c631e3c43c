package demux

import "github.com/zsiec/dvbroute/internal/psi"

// CurrentPAT, CurrentCAT, CurrentNIT and CurrentSDT return the raw bytes of
// the input's current complete generation of each table, concatenated in
// section order. They back the control socket's GET_PAT/GET_CAT/GET_NIT/
// GET_SDT commands (spec §6); a nil/empty result means that table has not
// completed a generation yet.
func (e *Engine) CurrentPAT() []byte { return concatSections(e.pat.Current()) }
func (e *Engine) CurrentCAT() []byte { return concatSections(e.cat.Current()) }
func (e *Engine) CurrentNIT() []byte { return concatSections(e.nit.Current()) }
func (e *Engine) CurrentSDT() []byte { return concatSections(e.sdt.Current()) }

func concatSections(sections []psi.Section) []byte {
	var out []byte
	for _, s := range sections {
		out = append(out, []byte(s)...)
	}
	return out
}
