package table

import "github.com/zsiec/dvbroute/internal/psi"

// TableIDCAT is the CAT table_id.
const TableIDCAT = 0x01

// CAT is the parsed content of a complete CAT generation: the set of EMM
// PIDs announced by its program-level CA_descriptors, used by the router
// to recognize EMM traffic for emm_passthrough (spec §4.6 step 5).
type CAT struct {
	Version uint8
	EMMPIDs []uint16
}

// ParseCAT concatenates a complete CAT generation's sections and extracts
// EMM PIDs from CA_descriptors in the single top-level descriptor loop.
func ParseCAT(sections []psi.Section) CAT {
	var cat CAT
	if len(sections) == 0 {
		return cat
	}
	cat.Version = sections[0].Version()
	for _, s := range sections {
		if s.TableID() != TableIDCAT || len(s) < 9 {
			continue
		}
		body := s[8 : s.Total()-4]
		cat.EMMPIDs = append(cat.EMMPIDs, scanCADescriptors(body)...)
	}
	return cat
}

// IsEMMPID reports whether pid was announced as an EMM stream by this CAT.
func (c CAT) IsEMMPID(pid uint16) bool {
	for _, p := range c.EMMPIDs {
		if p == pid {
			return true
		}
	}
	return false
}
