package rewards

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/mbd888/lootcore/internal/protocol"
	"github.com/mbd888/lootcore/internal/validation"
)

// Prize is one weighted entry of a container's drop table. Weights never
// leave the server.
type Prize struct {
	Reward protocol.Reward `json:"reward"`
	Weight int64           `json:"weight"`
}

// Container is an openable loot box.
type Container struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Price  int64   `json:"price"`
	Prizes []Prize `json:"prizes"`
}

// ContainerView is the public description of a container.
type ContainerView struct {
	ID     string                 `json:"id"`
	Name   string                 `json:"name"`
	Price  int64                  `json:"price"`
	Prizes []protocol.DisplayItem `json:"prizes"`
}

// View strips the weights.
func (c *Container) View() ContainerView {
	v := ContainerView{ID: c.ID, Name: c.Name, Price: c.Price}
	for _, p := range c.Prizes {
		v.Prizes = append(v.Prizes, p.Reward.Display())
	}
	return v
}

// Catalog holds the containers on offer.
type Catalog struct {
	containers map[string]*Container
}

// NewCatalog validates and indexes containers.
func NewCatalog(containers []Container, maxValue int64) (*Catalog, error) {
	c := &Catalog{containers: make(map[string]*Container, len(containers))}
	for i := range containers {
		ct := containers[i]
		if errs := validation.Validate(
			validation.ValidIdentifier("id", ct.ID),
			validation.MaxLength("name", ct.Name, 128),
			validation.SafeText("name", ct.Name),
			validation.ValidAmount("price", ct.Price, maxValue),
		); len(errs) > 0 {
			return nil, fmt.Errorf("catalog: container %d: %w", i, errs)
		}
		if _, dup := c.containers[ct.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate container %q", ct.ID)
		}
		var total int64
		for j, p := range ct.Prizes {
			if err := p.Reward.Validate(maxValue); err != nil {
				return nil, fmt.Errorf("catalog: container %q prize %d: %w", ct.ID, j, err)
			}
			if p.Weight < 0 {
				return nil, fmt.Errorf("catalog: container %q prize %d has negative weight", ct.ID, j)
			}
			total += p.Weight
		}
		if total <= 0 {
			return nil, fmt.Errorf("catalog: container %q has no drawable prizes", ct.ID)
		}
		c.containers[ct.ID] = &ct
	}
	return c, nil
}

// LoadCatalog reads a JSON array of containers from path.
func LoadCatalog(path string, maxValue int64) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	var containers []Container
	if err := json.Unmarshal(data, &containers); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	return NewCatalog(containers, maxValue)
}

// Get returns the container with id.
func (c *Catalog) Get(id string) (*Container, bool) {
	ct, ok := c.containers[id]
	return ct, ok
}

// List returns public views sorted by price then id.
func (c *Catalog) List() []ContainerView {
	out := make([]ContainerView, 0, len(c.containers))
	for _, ct := range c.containers {
		out = append(out, ct.View())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Price != out[j].Price {
			return out[i].Price < out[j].Price
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// DefaultCatalog is the built-in demo catalog.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog([]Container{
		{
			ID: "starter_crate", Name: "Starter Crate", Price: 100,
			Prizes: []Prize{
				{Reward: protocol.Currency(25), Weight: 400},
				{Reward: protocol.Currency(75), Weight: 250},
				{Reward: protocol.Item("wooden_sword", "Wooden Sword", "common", 40, "items/wooden_sword.png"), Weight: 200},
				{Reward: protocol.Item("iron_shield", "Iron Shield", "rare", 150, "items/iron_shield.png"), Weight: 100},
				{Reward: protocol.Item("ember_cloak", "Ember Cloak", "epic", 600, "items/ember_cloak.png"), Weight: 40},
				{Reward: protocol.Item("dragon_crown", "Dragon Crown", "legendary", 5000, "items/dragon_crown.png"), Weight: 10},
			},
		},
		{
			ID: "royal_chest", Name: "Royal Chest", Price: 500,
			Prizes: []Prize{
				{Reward: protocol.Currency(200), Weight: 350},
				{Reward: protocol.Item("silver_blade", "Silver Blade", "rare", 350, "items/silver_blade.png"), Weight: 300},
				{Reward: protocol.Item("storm_bow", "Storm Bow", "epic", 1200, "items/storm_bow.png"), Weight: 200},
				{Reward: protocol.Currency(2000), Weight: 100},
				{Reward: protocol.Item("phoenix_wings", "Phoenix Wings", "legendary", 15000, "items/phoenix_wings.png"), Weight: 50},
			},
		},
	}, protocol.DefaultMaxRewardValue)
	if err != nil {
		panic("rewards: invalid default catalog: " + err.Error())
	}
	return c
}
