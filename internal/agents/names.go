package agents

import "hash/fnv"

// stationNames is the pool of fallback display names for agents that were
// configured without one. The list is append-only so existing names stay stable.
var stationNames = []string{
	"Ome", "Gora", "Maji", "Ueno", "Ebisu",
	"Osaki", "Otaru", "Namba", "Tenma", "Mejiro",
	"Koenji", "Gotanda", "Ryogoku", "Yutenji", "Nippori",
	"Asagaya", "Mojiko", "Kottoi", "Taisho", "Yumoto",
	"Harajuku", "Shibuya", "Odawara", "Enoshima", "Ogikubo",
	"Ichigaya", "Komazawa", "Shinjuku", "Wakkanai", "Todoroki",
	"Obama", "Usa", "Gero", "Oboke", "Koboke",
	"Naruto", "Zushi", "Fussa", "Oppama",
	"Nikko", "Hakone", "Beppu", "Atami", "Ginza",
	"Akiba", "Kamakura", "Yokohama", "Nagasaki", "Sapporo",
	"Tama", "Musashi", "Omiya", "Urawa", "Kawagoe",
	"Hanno", "Chichibu", "Takao", "Mitaka", "Kichijoji",
}

// DisplayName returns the configured name of an agent, or a stable
// station name derived from its ID when the name is empty.
func DisplayName(a AgentConfig) string {
	if a.Name != "" {
		return a.Name
	}
	return StationName(a.ID)
}

// StationName maps an agent ID onto the station-name pool. The same ID
// always yields the same name.
func StationName(agentID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(agentID))
	return stationNames[int(h.Sum32()%uint32(len(stationNames)))]
}
