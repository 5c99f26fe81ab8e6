package maintenance

import "strings"

type systemKeywords struct {
	system   string
	keywords []string
}

// Order matters: on equal keyword counts the earlier system wins.
var systemTable = []systemKeywords{
	{"engine", []string{"engine", "coolant", "overheat", "oil pressure", "oil leak", "misfire", "compression", "turbo", "egr", "emissions", "camshaft", "crankshaft"}},
	{"brakes", []string{"brake", "abs", "caliper", "pad", "disc", "rotor", "booster", "master cylinder", "brake line", "brake fluid"}},
	{"fuel", []string{"fuel", "injector", "injection", "pump", "fuel rail", "fuel pressure", "filter", "diesel", "common rail"}},
	{"electrical", []string{"electrical", "wiring", "relay", "fuse", "battery", "alternator", "harness", "connector", "short", "ground", "sensor", "ecu", "control unit"}},
	{"cab", []string{"cab", "door", "window", "mirror", "seat", "hvac", "blower", "heater"}},
	{"gearbox", []string{"gearbox", "transmission", "gear box", "gearshift", "shifter", "synchromesh"}},
	{"clutch", []string{"clutch", "pressure plate", "release bearing", "throwout", "flywheel"}},
	{"steering", []string{"steering", "power steering", "steering rack", "tie rod", "column"}},
	{"suspension", []string{"suspension", "shock", "damper", "spring", "leaf", "airbag", "strut"}},
	{"rear_axle", []string{"rear axle", "axle", "differential", "diff", "final drive"}},
}

// MatchSystem picks the vehicle system whose keywords occur most often in the
// diagnosis text (substring match, case-insensitive). Empty when nothing matches.
func MatchSystem(diagnosis string) string {
	text := strings.ToLower(diagnosis)
	if strings.TrimSpace(text) == "" {
		return ""
	}

	best, bestScore := "", 0
	for _, entry := range systemTable {
		score := 0
		for _, kw := range entry.keywords {
			if strings.Contains(text, kw) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = entry.system, score
		}
	}
	return best
}
